// Package memory contains an in-memory notifier for tests.
package memory

import (
	"context"
	"sync"

	"github.com/pcallen/catalogue-harvester/internal/notify"
)

// Notifier records notifications for inspection.
type Notifier struct {
	mu    sync.RWMutex
	notes []notify.Notification
}

var _ notify.Provider = (*Notifier)(nil)

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Publish records the notification.
func (n *Notifier) Publish(_ context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

// Close does nothing.
func (n *Notifier) Close() error { return nil }

// Notifications returns the recorded publishes.
func (n *Notifier) Notifications() []notify.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]notify.Notification, len(n.notes))
	copy(out, n.notes)
	return out
}
