// Package waitlist implements the per-resource waitlist queue (§4.10):
// joining, leaving, automatic slot offers on cancellation, accepting an
// offer into a reservation, and expiring stale offers.
package waitlist

import (
	"context"
	"fmt"
	"time"

	"resourcereserver/internal/allocator"
	"resourcereserver/internal/apperr"
	"resourcereserver/internal/clock"
	"resourcereserver/internal/events"
	"resourcereserver/internal/models"
	"resourcereserver/internal/notifier"
	"resourcereserver/internal/socket"
	"resourcereserver/internal/store"
)

// DefaultOfferTTL is how long an offer holds the slot before it is eligible for
// expiry (§4.10): configurable, defaulting to 30 minutes.
const DefaultOfferTTL = 30 * time.Minute

// Engine is the Waitlist Engine.
type Engine struct {
	store     store.Store
	clock     clock.Clock
	bus       *events.Bus
	allocator *allocator.Allocator
	notify    *notifier.Notifier
	sockets   *socket.Hub
	offerTTL  time.Duration
}

// New builds an Engine. offerTTL <= 0 defaults to DefaultOfferTTL.
func New(s store.Store, clk clock.Clock, bus *events.Bus, alloc *allocator.Allocator, notify *notifier.Notifier, sockets *socket.Hub, offerTTL time.Duration) *Engine {
	if offerTTL <= 0 {
		offerTTL = DefaultOfferTTL
	}
	return &Engine{store: s, clock: clk, bus: bus, allocator: alloc, notify: notify, sockets: sockets, offerTTL: offerTTL}
}

// Join enqueues a user for a resource's desired window, at the tail of the
// waiting queue (§4.10 positions are dense 1..N).
func (e *Engine) Join(ctx context.Context, userID, resourceID int64, start, end time.Time, flexible bool) (*models.WaitlistEntry, error) {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil, apperr.Validation("waitlist: end must be after start")
	}

	var result *models.WaitlistEntry
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetResource(ctx, resourceID); err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("resource %d not found", resourceID)
			}
			return err
		}

		existing, err := tx.FindWaitlistEntry(ctx, resourceID, userID, start, end)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Validation("already on the waitlist for this time slot")
		}

		waiting, err := tx.ListWaitingEntries(ctx, resourceID)
		if err != nil {
			return err
		}

		entry := &models.WaitlistEntry{
			ResourceID:   resourceID,
			UserID:       userID,
			DesiredStart: start,
			DesiredEnd:   end,
			FlexibleTime: flexible,
			Status:       models.WaitlistWaiting,
			Position:     len(waiting) + 1,
			CreatedAt:    e.clock.Now(),
		}
		if err := tx.CreateWaitlistEntry(ctx, entry); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "waitlist: join")
	}

	if _, err := e.notify.Notify(ctx, userID, models.NotificationSystemAnnouncement,
		"Joined waitlist", fmt.Sprintf("you're #%d on the waitlist", result.Position),
		fmt.Sprintf("/waitlist/%d", result.ID)); err != nil {
		return result, nil
	}
	return result, nil
}

// Leave cancels a waiting or offered entry and closes the position gap it
// leaves behind in the waiting queue.
func (e *Engine) Leave(ctx context.Context, userID, entryID int64) (*models.WaitlistEntry, error) {
	var result *models.WaitlistEntry
	var resourceID int64
	var removedPosition int

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		entry, err := tx.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("waitlist entry %d not found", entryID)
			}
			return err
		}
		if entry.UserID != userID {
			return apperr.Forbidden("cannot leave another user's waitlist entry")
		}
		if entry.Status != models.WaitlistWaiting && entry.Status != models.WaitlistOffered {
			return apperr.AlreadyResolved("waitlist entry %d is no longer active", entryID)
		}

		wasWaiting := entry.Status == models.WaitlistWaiting
		removedPosition = entry.Position
		resourceID = entry.ResourceID
		entry.Status = models.WaitlistCancelled
		if err := tx.UpdateWaitlistEntry(ctx, entry); err != nil {
			return err
		}
		result = entry

		if wasWaiting {
			return closeGap(ctx, tx, resourceID, removedPosition)
		}
		return nil
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "waitlist: leave")
	}
	return result, nil
}

// CheckAndOfferSlot implements allocator.WaitlistNotifier: it finds the
// first waiting entry (in position order) whose desired window matches the
// freed [start,end) and offers it the slot (§4.10). At most one offer is
// issued per call, matching the source's break-on-first-match semantics.
func (e *Engine) CheckAndOfferSlot(ctx context.Context, resourceID int64, start, end time.Time) error {
	var offered *models.WaitlistEntry
	var resource *models.Resource

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		waiting, err := tx.ListWaitingEntries(ctx, resourceID)
		if err != nil {
			return err
		}

		var match *models.WaitlistEntry
		for _, entry := range waiting {
			if entry.Matches(start, end) {
				match = entry
				break
			}
		}
		if match == nil {
			return nil
		}

		now := e.clock.Now()
		expires := now.Add(e.offerTTL)
		match.Status = models.WaitlistOffered
		match.OfferedAt = &now
		match.OfferExpiresAt = &expires
		if err := tx.UpdateWaitlistEntry(ctx, match); err != nil {
			return err
		}

		r, err := tx.GetResource(ctx, resourceID)
		if err != nil {
			return err
		}
		resource = r
		offered = match
		return nil
	})
	if err != nil {
		return wrapNonAppErr(err, "waitlist: check and offer slot")
	}
	if offered == nil {
		return nil
	}

	resourceName := "resource"
	if resource != nil {
		resourceName = resource.Name
	}
	if _, err := e.notify.Notify(ctx, offered.UserID, models.NotificationResourceAvailable,
		"Slot available!",
		fmt.Sprintf("%s is now available! accept within %s.", resourceName, e.offerTTL),
		fmt.Sprintf("/waitlist/%d/accept", offered.ID)); err == nil {
		e.sockets.SendToUser(offered.UserID, socket.Message{
			Type: "waitlist_offer",
			Data: map[string]any{
				"waitlist_id": offered.ID, "resource_id": resourceID,
				"expires_at": offered.OfferExpiresAt,
			},
		})
	}
	e.bus.Publish(events.WaitlistOffer, map[string]any{
		"waitlist_id": offered.ID, "resource_id": resourceID, "user_id": offered.UserID,
	})
	return nil
}

// Accept converts an active offer into a reservation through the Allocator
// (§4.10). An expired or missing offer fails without side effects beyond
// marking it expired.
func (e *Engine) Accept(ctx context.Context, userID, entryID int64) (*models.Reservation, error) {
	var entry *models.WaitlistEntry
	var expired bool
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		en, err := tx.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("waitlist entry %d not found", entryID)
			}
			return err
		}
		if en.UserID != userID {
			return apperr.Forbidden("cannot accept another user's waitlist offer")
		}
		if en.Status != models.WaitlistOffered {
			return apperr.OfferExpired("waitlist entry %d has no active offer", entryID)
		}

		now := e.clock.Now()
		if en.OfferExpiresAt != nil && now.After(*en.OfferExpiresAt) {
			en.Status = models.WaitlistExpired
			if err := tx.UpdateWaitlistEntry(ctx, en); err != nil {
				return err
			}
			expired = true
			return nil
		}

		entry = en
		return nil
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "waitlist: accept")
	}
	if expired {
		return nil, apperr.OfferExpired("waitlist entry %d offer has expired", entryID)
	}

	reservation, err := e.allocator.CreateReservation(ctx, userID, entry.ResourceID, entry.DesiredStart, entry.DesiredEnd)
	if err != nil {
		e.store.WithTx(ctx, func(tx store.Tx) error {
			en, getErr := tx.GetWaitlistEntry(ctx, entryID)
			if getErr != nil {
				return getErr
			}
			en.Status = models.WaitlistExpired
			return tx.UpdateWaitlistEntry(ctx, en)
		})
		return nil, fmt.Errorf("waitlist: accept offer: could not create reservation: %w", err)
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		en, err := tx.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		en.Status = models.WaitlistFulfilled
		if err := tx.UpdateWaitlistEntry(ctx, en); err != nil {
			return err
		}
		return closeGap(ctx, tx, en.ResourceID, en.Position)
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "waitlist: accept offer: update entry")
	}

	e.bus.Publish(events.WaitlistAccepted, map[string]any{
		"waitlist_id": entryID, "resource_id": entry.ResourceID, "reservation_id": reservation.ID,
	})
	return reservation, nil
}

// ExpireStaleOffers is invoked by the Lifecycle Scheduler each tick
// (§4.12 step 2): every offer past its expiry is marked expired, the user
// is notified, and the freed window is re-offered to the next matching
// waiter.
func (e *Engine) ExpireStaleOffers(ctx context.Context) error {
	now := e.clock.Now()
	expired, err := e.store.ScanExpiredWaitlistOffers(ctx, now)
	if err != nil {
		return apperr.Store(err, "waitlist: scan expired offers")
	}

	for _, entry := range expired {
		err := e.store.WithTx(ctx, func(tx store.Tx) error {
			current, err := tx.GetWaitlistEntry(ctx, entry.ID)
			if err != nil {
				return err
			}
			if current.Status != models.WaitlistOffered {
				return nil
			}
			current.Status = models.WaitlistExpired
			return tx.UpdateWaitlistEntry(ctx, current)
		})
		if err != nil {
			return apperr.Store(err, "waitlist: expire offer %d", entry.ID)
		}

		e.notify.Notify(ctx, entry.UserID, models.NotificationSystemAnnouncement,
			"Offer expired", "your waitlist offer has expired.", "")
		e.bus.Publish(events.WaitlistExpired, map[string]any{
			"waitlist_id": entry.ID, "resource_id": entry.ResourceID, "user_id": entry.UserID,
		})

		if err := e.CheckAndOfferSlot(ctx, entry.ResourceID, entry.DesiredStart, entry.DesiredEnd); err != nil {
			return err
		}
	}
	return nil
}

func closeGap(ctx context.Context, tx store.Tx, resourceID int64, removedPosition int) error {
	waiting, err := tx.ListWaitingEntries(ctx, resourceID)
	if err != nil {
		return err
	}
	for _, entry := range waiting {
		if entry.Position > removedPosition {
			entry.Position--
			if err := tx.UpdateWaitlistEntry(ctx, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func wrapNonAppErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*apperr.Error); ok {
		return err
	}
	if _, ok := err.(*apperr.ConflictError); ok {
		return err
	}
	return apperr.Store(err, "%s", msg)
}
