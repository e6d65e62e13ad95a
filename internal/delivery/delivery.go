// Package delivery sends resolved notification content to its external
// destination. Deliverers are stateless; retry policy belongs to the
// dispatcher.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"notifyd/internal/task"
)

var ErrNoDeliverer = errors.New("no deliverer for target kind")

// Message is one outbound notification.
type Message struct {
	Format   task.Format
	Text     string
	Mentions []string
}

// Deliverer sends a message to one kind of target.
type Deliverer interface {
	Send(ctx context.Context, target task.NotificationConfig, msg Message) error
}

// Router dispatches messages to the deliverer registered for the
// target's kind.
type Router struct {
	byKind map[task.TargetKind]Deliverer
}

func NewRouter() *Router {
	return &Router{byKind: map[task.TargetKind]Deliverer{}}
}

// Register binds a deliverer to a target kind, replacing any previous one.
func (r *Router) Register(kind task.TargetKind, d Deliverer) {
	r.byKind[kind] = d
}

func (r *Router) Send(ctx context.Context, target task.NotificationConfig, msg Message) error {
	d, ok := r.byKind[target.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDeliverer, target.Kind)
	}
	return d.Send(ctx, target, msg)
}
