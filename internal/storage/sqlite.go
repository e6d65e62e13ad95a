package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"notifyd/internal/plan"
	"notifyd/internal/rule"
	"notifyd/internal/task"
	"notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertGroup(ctx context.Context, id string, status task.Status) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, status) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		id, string(status))
	return err
}

func (s *sqliteStore) UpsertTask(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	rules, err := json.Marshal(t.Rules)
	if err != nil {
		return err
	}
	assocs, err := json.Marshal(t.Associations)
	if err != nil {
		return err
	}
	var notif sql.NullString
	if t.Notification != nil {
		b, err := json.Marshal(t.Notification)
		if err != nil {
			return err
		}
		notif = sql.NullString{String: string(b), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, priority, status, enable_time, disable_time, group_id, rules, associations, notification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			priority = excluded.priority,
			status = excluded.status,
			enable_time = excluded.enable_time,
			disable_time = excluded.disable_time,
			group_id = excluded.group_id,
			rules = excluded.rules,
			associations = excluded.associations,
			notification = excluded.notification`,
		t.ID, t.Name, string(t.Priority), string(t.Status),
		nullTime(t.EnableTime), nullTime(t.DisableTime),
		t.GroupID, string(rules), string(assocs), notif)
	return err
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) LoadActiveTasks(ctx context.Context, _ rule.Date) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.priority, t.status, t.enable_time, t.disable_time,
		       t.group_id, t.rules, t.associations, t.notification
		FROM tasks t
		LEFT JOIN groups g ON g.id = t.group_id
		WHERE t.status = 'active' AND (t.group_id = '' OR g.id IS NULL OR g.status = 'active')
		ORDER BY t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		var (
			t                    task.Task
			prio, status         string
			enable, disable      sql.NullString
			rulesJSON, assocJSON string
			notif                sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Name, &prio, &status, &enable, &disable,
			&t.GroupID, &rulesJSON, &assocJSON, &notif); err != nil {
			return nil, err
		}
		t.Priority = task.Priority(prio)
		t.Status = task.Status(status)
		if t.EnableTime, err = parseNullTime(enable); err != nil {
			return nil, fmt.Errorf("task %s enable_time: %w", t.ID, err)
		}
		if t.DisableTime, err = parseNullTime(disable); err != nil {
			return nil, fmt.Errorf("task %s disable_time: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(rulesJSON), &t.Rules); err != nil {
			return nil, fmt.Errorf("task %s rules: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(assocJSON), &t.Associations); err != nil {
			return nil, fmt.Errorf("task %s associations: %w", t.ID, err)
		}
		if notif.Valid {
			var nc task.NotificationConfig
			if err := json.Unmarshal([]byte(notif.String), &nc); err != nil {
				return nil, fmt.Errorf("task %s notification: %w", t.ID, err)
			}
			t.Notification = &nc
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const entryColumns = `id, task_id, rule_id, date, at, content, status, attempts,
	last_error, not_before, depends_on, synced, created_at, updated_at`

func (s *sqliteStore) LoadPlan(ctx context.Context, date rule.Date) ([]plan.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM plan_entries WHERE date = ? ORDER BY at, id`,
		date.String())
}

func (s *sqliteStore) SavePlan(ctx context.Context, date rule.Date, entries []plan.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		deps, err := json.Marshal(e.DependsOnTasks)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO plan_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, rule_id, date, at) DO NOTHING`,
			e.ID, e.TaskID, e.RuleID, date.String(), e.At.Format(time.RFC3339),
			e.Content, string(e.Status), e.Attempts, e.LastError,
			optTime(e.NotBefore), string(deps), boolInt(e.Synchronized),
			e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Suspensions(ctx context.Context) (map[string]rule.Date, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, through FROM suspensions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]rule.Date{}
	for rows.Next() {
		var id, through string
		if err := rows.Scan(&id, &through); err != nil {
			return nil, err
		}
		d, err := rule.ParseDate(through)
		if err != nil {
			return nil, fmt.Errorf("suspension %s: %w", id, err)
		}
		out[id] = d
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSuspension(ctx context.Context, taskID string, through rule.Date) error {
	// ISO dates compare lexicographically, so MAX keeps the later date.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suspensions (task_id, through) VALUES (?, ?)
		ON CONFLICT(task_id) DO UPDATE SET through = MAX(through, excluded.through)`,
		taskID, through.String())
	return err
}

func (s *sqliteStore) PurgePlans(ctx context.Context, before rule.Date) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plan_entries WHERE date < ?`, before.String())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	_, err = s.db.ExecContext(ctx, `DELETE FROM suspensions WHERE through < ?`, before.String())
	return int(n), err
}

func (s *sqliteStore) DueEntries(ctx context.Context, date rule.Date, now time.Time) ([]plan.Entry, error) {
	entries, err := s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM plan_entries
		WHERE date = ? AND status = 'pending' ORDER BY at, id`,
		date.String())
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Due(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *sqliteStore) EntriesForTasks(ctx context.Context, date rule.Date, taskIDs []string) ([]plan.Entry, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	ph := strings.Repeat("?,", len(taskIDs))
	args := make([]any, 0, len(taskIDs)+1)
	args = append(args, date.String())
	for _, id := range taskIDs {
		args = append(args, id)
	}
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM plan_entries
		WHERE date = ? AND task_id IN (`+ph[:len(ph)-1]+`) ORDER BY at, id`,
		args...)
}

func (s *sqliteStore) UpdateEntryStatus(ctx context.Context, entryID string, status plan.Status, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_entries SET
			status = ?,
			last_error = ?,
			attempts = attempts + (CASE WHEN ? = 'executing' THEN 1 ELSE 0 END),
			updated_at = ?
		WHERE id = ?`,
		string(status), result, string(status), time.Now().Format(time.RFC3339Nano), entryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) RequeueEntry(ctx context.Context, entryID string, attempts int, notBefore time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_entries SET
			status = 'pending',
			attempts = ?,
			not_before = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ?`,
		attempts, optTime(notBefore), lastErr, time.Now().Format(time.RFC3339Nano), entryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) queryEntries(ctx context.Context, query string, args ...any) ([]plan.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plan.Entry
	for rows.Next() {
		var (
			e                            plan.Entry
			date, at, notBefore, deps    string
			status, createdAt, updatedAt string
			synced                       int
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.RuleID, &date, &at, &e.Content,
			&status, &e.Attempts, &e.LastError, &notBefore, &deps, &synced,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if e.Date, err = rule.ParseDate(date); err != nil {
			return nil, fmt.Errorf("entry %s date: %w", e.ID, err)
		}
		if e.At, err = time.Parse(time.RFC3339, at); err != nil {
			return nil, fmt.Errorf("entry %s at: %w", e.ID, err)
		}
		e.Status = plan.Status(status)
		e.Synchronized = synced != 0
		if notBefore != "" {
			if e.NotBefore, err = time.Parse(time.RFC3339, notBefore); err != nil {
				return nil, fmt.Errorf("entry %s not_before: %w", e.ID, err)
			}
		}
		if err := json.Unmarshal([]byte(deps), &e.DependsOnTasks); err != nil {
			return nil, fmt.Errorf("entry %s depends_on: %w", e.ID, err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("entry %s created_at: %w", e.ID, err)
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("entry %s updated_at: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
