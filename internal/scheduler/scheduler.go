// Package scheduler implements the Lifecycle Scheduler (§4.12): a single
// ticking loop that sweeps time-driven transitions no request triggers on
// its own — expiring reservations past their end, expiring stale waitlist
// offers, auto-resetting resources, firing reminders, and retrying pending
// webhook deliveries.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"resourcereserver/internal/clock"
	"resourcereserver/internal/events"
	"resourcereserver/internal/models"
	"resourcereserver/internal/notifier"
	"resourcereserver/internal/resourcemgr"
	"resourcereserver/internal/socket"
	"resourcereserver/internal/store"
	"resourcereserver/internal/waitlist"
	"resourcereserver/internal/webhook"
)

// DefaultTickInterval is how often the scheduler sweeps, absent
// configuration (§4.12).
const DefaultTickInterval = 60 * time.Second

// DefaultBatchSize bounds each cursor scan's page size (§4.2).
const DefaultBatchSize = 200

// DefaultReminderHours is the fallback lead time for users with no
// explicit reminder preference (User.ReminderHours == 0).
const DefaultReminderHours = 24

// DefaultWebhookSweepBatch bounds how many pending deliveries are
// re-enqueued per tick.
const DefaultWebhookSweepBatch = 100

// Scheduler is the Lifecycle Scheduler.
type Scheduler struct {
	store     store.Store
	clock     clock.Clock
	bus       *events.Bus
	resources *resourcemgr.Manager
	waitlist  *waitlist.Engine
	webhooks  *webhook.Dispatcher
	notify    *notifier.Notifier
	sockets   *socket.Hub

	tickInterval         time.Duration
	batchSize            int
	defaultReminderHours int
	webhookSweepBatch    int
}

// New builds a Scheduler. waitlist and webhooks may be nil if those
// components aren't wired; the corresponding sweep step is skipped.
// tickInterval, batchSize, defaultReminderHours, and webhookSweepBatch
// default when <= 0.
func New(
	s store.Store,
	clk clock.Clock,
	bus *events.Bus,
	resources *resourcemgr.Manager,
	wl *waitlist.Engine,
	wh *webhook.Dispatcher,
	notify *notifier.Notifier,
	sockets *socket.Hub,
	tickInterval time.Duration,
	batchSize int,
	defaultReminderHours int,
	webhookSweepBatch int,
) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if defaultReminderHours <= 0 {
		defaultReminderHours = DefaultReminderHours
	}
	if webhookSweepBatch <= 0 {
		webhookSweepBatch = DefaultWebhookSweepBatch
	}
	return &Scheduler{
		store: s, clock: clk, bus: bus, resources: resources, waitlist: wl, webhooks: wh,
		notify: notify, sockets: sockets,
		tickInterval: tickInterval, batchSize: batchSize,
		defaultReminderHours: defaultReminderHours, webhookSweepBatch: webhookSweepBatch,
	}
}

// Run blocks, ticking every tickInterval until ctx is cancelled. It drains
// the in-flight tick before returning rather than aborting it mid-step
// (§4.12): cancellation is only observed between ticks.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	slog.Info("scheduler: started", "tick_interval", s.tickInterval, "batch_size", s.batchSize)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler: stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one sweep of every time-driven step. A failure in one step is
// logged and does not prevent the rest from running, nor does it stop the
// loop (§4.12).
func (s *Scheduler) tick(ctx context.Context) {
	if err := s.expirePastEndReservations(ctx); err != nil {
		slog.Error("scheduler: expire past-end reservations", "error", err)
	}
	if s.waitlist != nil {
		if err := s.waitlist.ExpireStaleOffers(ctx); err != nil {
			slog.Error("scheduler: expire stale waitlist offers", "error", err)
		}
	}
	if err := s.autoResetResources(ctx); err != nil {
		slog.Error("scheduler: auto-reset resources", "error", err)
	}
	if err := s.sendReminders(ctx); err != nil {
		slog.Error("scheduler: send reminders", "error", err)
	}
	if s.webhooks != nil {
		if err := s.webhooks.Sweep(ctx, s.webhookSweepBatch); err != nil {
			slog.Error("scheduler: sweep webhook deliveries", "error", err)
		}
	}
}

// expirePastEndReservations walks every active reservation whose end has
// passed, in batches of batchSize, flipping each to expired, recomputing
// its resource's status, and offering the freed window to the waitlist
// (§4.12 step 1).
func (s *Scheduler) expirePastEndReservations(ctx context.Context) error {
	now := s.clock.Now()
	var cursor int64

	for {
		batch, next, err := s.store.ScanActiveReservationsPastEnd(ctx, now, s.batchSize, cursor)
		if err != nil {
			return fmt.Errorf("scan active reservations past end: %w", err)
		}

		for _, r := range batch {
			err := s.store.WithTx(ctx, func(tx store.Tx) error {
				if err := tx.LockResource(ctx, r.ResourceID); err != nil {
					return err
				}
				r.Status = models.ReservationExpired
				if err := tx.UpdateReservation(ctx, r); err != nil {
					return err
				}
				if err := tx.CreateAuditEntry(ctx, &models.AuditEntry{
					ReservationID: r.ID,
					Message:       fmt.Sprintf("expired at %s", now.Format(time.RFC3339)),
					CreatedAt:     now,
				}); err != nil {
					return err
				}
				return s.resources.RecomputeInTx(ctx, tx, r.ResourceID)
			})
			if err != nil {
				slog.Error("scheduler: expire reservation", "reservation_id", r.ID, "error", err)
				continue
			}

			s.bus.Publish(events.ReservationExpired, map[string]any{
				"reservation_id": r.ID, "resource_id": r.ResourceID, "user_id": r.UserID,
			})
			if s.waitlist != nil {
				if err := s.waitlist.CheckAndOfferSlot(ctx, r.ResourceID, r.Start, r.End); err != nil {
					slog.Error("scheduler: offer freed slot to waitlist", "resource_id", r.ResourceID, "error", err)
				}
			}
		}

		if len(batch) < s.batchSize {
			return nil
		}
		cursor = next
	}
}

// autoResetResources walks every resource marked unavailable whose
// unavailable_since has aged past auto_reset_hours and recomputes its
// status, which flips it back to available (§4.7, §4.12 step 3).
func (s *Scheduler) autoResetResources(ctx context.Context) error {
	now := s.clock.Now()
	var cursor int64

	for {
		batch, next, err := s.store.ScanUnavailableResourcesPastAutoReset(ctx, now, s.batchSize, cursor)
		if err != nil {
			return fmt.Errorf("scan unavailable resources past auto-reset: %w", err)
		}

		for _, r := range batch {
			if !resourcemgr.AutoResetDue(r, now) {
				continue
			}
			if _, err := s.resources.Get(ctx, r.ID); err != nil {
				slog.Error("scheduler: auto-reset resource", "resource_id", r.ID, "error", err)
			}
		}

		if len(batch) < s.batchSize {
			return nil
		}
		cursor = next
	}
}

// sendReminders walks every active reservation with reminder_sent=false
// whose start still lies in the future and fires a reminder once the
// lead time falls within the owning user's reminder_hours preference
// (falling back to defaultReminderHours when unset), per §4.12 step 4.
func (s *Scheduler) sendReminders(ctx context.Context) error {
	now := s.clock.Now()
	var cursor int64

	for {
		batch, next, err := s.store.ScanReservationsNeedingReminder(ctx, now, s.batchSize, cursor)
		if err != nil {
			return fmt.Errorf("scan reservations needing reminder: %w", err)
		}

		for _, r := range batch {
			var user *models.User
			err := s.store.WithTx(ctx, func(tx store.Tx) error {
				var err error
				user, err = tx.GetUser(ctx, r.UserID)
				return err
			})
			if err != nil {
				slog.Error("scheduler: load user for reminder", "user_id", r.UserID, "error", err)
				continue
			}

			reminderHours := user.ReminderHours
			if reminderHours <= 0 {
				reminderHours = s.defaultReminderHours
			}
			leadTime := r.Start.Sub(now)
			if leadTime <= 0 || leadTime > time.Duration(reminderHours)*time.Hour {
				continue
			}

			if err := s.fireReminder(ctx, r); err != nil {
				slog.Error("scheduler: fire reminder", "reservation_id", r.ID, "error", err)
			}
		}

		if len(batch) < s.batchSize {
			return nil
		}
		cursor = next
	}
}

func (s *Scheduler) fireReminder(ctx context.Context, r *models.Reservation) error {
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetReservation(ctx, r.ID)
		if err != nil {
			return err
		}
		if current.ReminderSent || current.Status != models.ReservationActive {
			return nil
		}
		current.ReminderSent = true
		return tx.UpdateReservation(ctx, current)
	})
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}

	if _, err := s.notify.Notify(ctx, r.UserID, models.NotificationReservationReminder,
		"Upcoming reservation",
		fmt.Sprintf("your reservation starts at %s.", r.Start.Format(time.RFC3339)),
		fmt.Sprintf("/reservations/%d", r.ID)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	s.sockets.SendToUser(r.UserID, socket.Message{
		Type: "reservation_reminder",
		Data: map[string]any{"reservation_id": r.ID, "resource_id": r.ResourceID, "start": r.Start},
	})
	return nil
}
