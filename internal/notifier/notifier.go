// Package notifier persists in-app notifications. It never pushes to
// sockets itself; callers wire socket pushes separately off the event bus.
package notifier

import (
	"context"

	"resourcereserver/internal/models"
	"resourcereserver/internal/store"
)

// Notifier persists Notification rows.
type Notifier struct {
	store store.Store
}

// New creates a Notifier backed by s.
func New(s store.Store) *Notifier {
	return &Notifier{store: s}
}

// Notify persists a notification for userID and returns the stored row. The
// row is visible to the user's notification list before Notify returns.
func (n *Notifier) Notify(ctx context.Context, userID int64, typ models.NotificationType, title, message, link string) (*models.Notification, error) {
	note := &models.Notification{
		UserID:  userID,
		Type:    typ,
		Title:   title,
		Message: message,
		Link:    link,
	}
	err := n.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateNotification(ctx, note)
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}
