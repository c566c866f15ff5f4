// Package allocator implements the conflict-free reservation primitive
// (§4.8): validate, commit under a resource lock, emit events. It is the
// one place the core detects overlapping active reservations, used by
// booking, recurring series, and (through CheckConflicts) the approval
// path — reconciling the source's two separate conflict-detection
// implementations into a single primitive (spec.md §9).
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resourcereserver/internal/apperr"
	"resourcereserver/internal/clock"
	"resourcereserver/internal/events"
	"resourcereserver/internal/models"
	"resourcereserver/internal/recurrence"
	"resourcereserver/internal/resourcemgr"
	"resourcereserver/internal/store"
)

const (
	minDuration       = 15 * time.Minute
	maxSingleDuration = 24 * time.Hour
	maxBulkDuration   = 7 * 24 * time.Hour
)

// WaitlistNotifier lets the allocator trigger a waitlist offer check after a
// cancellation frees a window, without importing the waitlist package
// directly (it would create an import cycle: waitlist.Accept calls back
// into the allocator to create the reservation).
type WaitlistNotifier interface {
	CheckAndOfferSlot(ctx context.Context, resourceID int64, start, end time.Time) error
}

// ApprovalRequester lets the allocator hand a freshly committed
// pending_approval reservation to the Approval Coordinator, without
// importing it directly (the coordinator re-runs CheckConflicts from this
// package on Approve, which would create an import cycle).
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, reservationID, resourceID int64, requestMessage string) error
}

// Allocator is the Reservation Allocator (§4.8).
type Allocator struct {
	store     store.Store
	clock     clock.Clock
	bus       *events.Bus
	resources *resourcemgr.Manager
	waitlist  WaitlistNotifier
	approval  ApprovalRequester
}

// New builds an Allocator. waitlist and approval may be nil until those
// components are constructed (see SetWaitlist, SetApproval) — they are
// mutually dependent on the allocator and wired after all exist.
func New(s store.Store, clk clock.Clock, bus *events.Bus, resources *resourcemgr.Manager) *Allocator {
	return &Allocator{store: s, clock: clk, bus: bus, resources: resources}
}

// SetWaitlist wires the Waitlist Engine after construction, breaking the
// allocator <-> waitlist initialization cycle.
func (a *Allocator) SetWaitlist(w WaitlistNotifier) {
	a.waitlist = w
}

// SetApproval wires the Approval Coordinator after construction, breaking
// the allocator <-> approval initialization cycle.
func (a *Allocator) SetApproval(ap ApprovalRequester) {
	a.approval = ap
}

// CreateReservation validates and commits a single booking (§4.8).
func (a *Allocator) CreateReservation(ctx context.Context, userID, resourceID int64, start, end time.Time) (*models.Reservation, error) {
	start, end = start.UTC(), end.UTC()
	now := a.clock.Now()

	if err := validateWindow(start, end, now, maxSingleDuration); err != nil {
		return nil, err
	}

	var result *models.Reservation
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockResource(ctx, resourceID); err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("resource %d not found", resourceID)
			}
			return err
		}

		resource, err := tx.GetResource(ctx, resourceID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("resource %d not found", resourceID)
			}
			return err
		}
		if !resource.AcceptsBookings() {
			return apperr.Validation("resource %d does not currently accept bookings", resourceID)
		}

		if err := CheckConflicts(ctx, tx, resourceID, start, end); err != nil {
			return err
		}

		status := models.ReservationActive
		if resource.RequiresApproval {
			if resource.DefaultApproverID == nil {
				return apperr.NoApproverConfigured("resource %d requires approval but has no default approver configured", resourceID)
			}
			status = models.ReservationPendingApproval
		}

		r := &models.Reservation{
			UserID:     userID,
			ResourceID: resourceID,
			Start:      start,
			End:        end,
			Status:     status,
			CreatedAt:  now,
		}
		if err := tx.CreateReservation(ctx, r); err != nil {
			return err
		}
		if err := tx.CreateAuditEntry(ctx, &models.AuditEntry{
			ReservationID: r.ID,
			Message:       fmt.Sprintf("created, status=%s", status),
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		if status == models.ReservationActive {
			if err := a.resources.RecomputeInTx(ctx, tx, resourceID); err != nil {
				return err
			}
		}

		result = r
		return nil
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "allocator: create reservation")
	}

	if result.Status == models.ReservationActive {
		a.bus.Publish(events.ReservationCreated, map[string]any{
			"reservation_id": result.ID, "resource_id": resourceID, "user_id": userID,
		})
	} else if result.Status == models.ReservationPendingApproval && a.approval != nil {
		if err := a.approval.RequestApproval(ctx, result.ID, resourceID, ""); err != nil {
			return nil, fmt.Errorf("allocator: request approval: %w", err)
		}
	}
	return result, nil
}

// CancelReservation cancels an active or pending reservation (§4.8).
func (a *Allocator) CancelReservation(ctx context.Context, callerID int64, isAdmin bool, reservationID int64, reason string) (*models.Reservation, error) {
	now := a.clock.Now()
	var result *models.Reservation
	var freedStart, freedEnd time.Time
	var resourceID int64

	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("reservation %d not found", reservationID)
			}
			return err
		}
		if r.UserID != callerID && !isAdmin {
			return apperr.Forbidden("cannot cancel another user's reservation")
		}
		if r.Status == models.ReservationCancelled {
			return apperr.AlreadyResolved("reservation %d already cancelled", reservationID)
		}

		if err := tx.LockResource(ctx, r.ResourceID); err != nil {
			return err
		}

		r.Status = models.ReservationCancelled
		r.CancelledAt = &now
		r.CancellationReason = reason
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if err := tx.CreateAuditEntry(ctx, &models.AuditEntry{
			ReservationID: r.ID,
			Message:       fmt.Sprintf("cancelled: %s", reason),
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		if err := a.resources.RecomputeInTx(ctx, tx, r.ResourceID); err != nil {
			return err
		}

		resourceID = r.ResourceID
		freedStart, freedEnd = r.Start, r.End
		result = r
		return nil
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "allocator: cancel reservation")
	}

	a.bus.Publish(events.ReservationCancelled, map[string]any{
		"reservation_id": result.ID, "resource_id": resourceID, "reason": reason,
	})

	if a.waitlist != nil {
		if err := a.waitlist.CheckAndOfferSlot(ctx, resourceID, freedStart, freedEnd); err != nil {
			return nil, fmt.Errorf("allocator: offer freed slot: %w", err)
		}
	}
	return result, nil
}

// CreateRecurringSeries expands rule and validates every occurrence before
// inserting any (§4.8, §4.9): partial series are never created.
func (a *Allocator) CreateRecurringSeries(ctx context.Context, userID, resourceID int64, start, end time.Time, rule *models.RecurrenceRule) ([]*models.Reservation, error) {
	occurrences, err := recurrence.Expand(start, end, rule)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	if !occurrences[0].Start.After(now) {
		return nil, apperr.Validation("recurring series: first occurrence must start after now")
	}

	var results []*models.Reservation
	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockResource(ctx, resourceID); err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("resource %d not found", resourceID)
			}
			return err
		}

		resource, err := tx.GetResource(ctx, resourceID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("resource %d not found", resourceID)
			}
			return err
		}
		if !resource.AcceptsBookings() {
			return apperr.Validation("resource %d does not currently accept bookings", resourceID)
		}

		// Validate every occurrence against existing reservations AND against
		// the other occurrences in this same series, before inserting any.
		for i, occ := range occurrences {
			if err := CheckConflicts(ctx, tx, resourceID, occ.Start, occ.End); err != nil {
				return err
			}
			for j := 0; j < i; j++ {
				other := occurrences[j]
				if other.End.After(occ.Start) && other.Start.Before(occ.End) {
					return apperr.Validation("recurring series: occurrences %d and %d overlap each other", j, i)
				}
			}
		}

		if err := tx.CreateRecurrenceRule(ctx, rule); err != nil {
			return err
		}

		var parentID int64
		for i, occ := range occurrences {
			r := &models.Reservation{
				UserID:              userID,
				ResourceID:          resourceID,
				Start:               occ.Start,
				End:                 occ.End,
				Status:              models.ReservationActive,
				CreatedAt:           now,
				RecurrenceRuleID:    &rule.ID,
				IsRecurringInstance: true,
			}
			if i > 0 {
				r.ParentReservationID = &parentID
			}
			if err := tx.CreateReservation(ctx, r); err != nil {
				return err
			}
			if i == 0 {
				parentID = r.ID
			}
			if err := tx.CreateAuditEntry(ctx, &models.AuditEntry{
				ReservationID: r.ID,
				Message:       "created as part of recurring series",
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			results = append(results, r)
		}

		return a.resources.RecomputeInTx(ctx, tx, resourceID)
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "allocator: create recurring series")
	}

	for _, r := range results {
		a.bus.Publish(events.ReservationCreated, map[string]any{
			"reservation_id": r.ID, "resource_id": resourceID, "user_id": userID, "is_recurring_instance": true,
		})
	}
	return results, nil
}

// CheckConflicts runs FindOverlappingReservations and translates any hits
// into a Conflict error carrying HH:MM windows for the client (§4.8, §7).
func CheckConflicts(ctx context.Context, tx store.Tx, resourceID int64, start, end time.Time) error {
	overlaps, err := tx.FindOverlappingReservations(ctx, resourceID, start, end)
	if err != nil {
		return err
	}
	if len(overlaps) == 0 {
		return nil
	}
	windows := make([]apperr.ConflictWindow, 0, len(overlaps))
	parts := make([]string, 0, len(overlaps))
	for _, o := range overlaps {
		w := apperr.ConflictWindow{
			ReservationID: o.ID,
			Start:         o.Start.Format("15:04"),
			End:           o.End.Format("15:04"),
		}
		windows = append(windows, w)
		parts = append(parts, fmt.Sprintf("%s to %s", w.Start, w.End))
	}
	msg := "time slot conflicts with existing reservations: "
	for i, p := range parts {
		if i > 0 {
			msg += ", "
		}
		msg += p
	}
	return apperr.Conflict(msg, windows)
}

// validateWindow applies the single-booking precondition checks (§4.8 step 2).
func validateWindow(start, end, now time.Time, maxDuration time.Duration) error {
	if !end.After(start) {
		return apperr.Validation("end must be after start")
	}
	if !start.After(now) {
		return apperr.Validation("start must be in the future")
	}
	d := end.Sub(start)
	if d < minDuration {
		return apperr.Validation("reservation must be at least %s", minDuration)
	}
	if d > maxDuration {
		return apperr.Validation("reservation must not exceed %s", maxDuration)
	}
	return nil
}

// wrapNonAppErr leaves apperr-typed errors untouched and wraps anything else
// as a StoreFailure, per the propagation policy in spec.md §7.
func wrapNonAppErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	var conflictErr *apperr.ConflictError
	if errors.As(err, &appErr) || errors.As(err, &conflictErr) {
		return err
	}
	return apperr.Store(err, "%s", msg)
}
