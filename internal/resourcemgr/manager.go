// Package resourcemgr owns CRUD on resources and the resource-status state
// machine (§4.7): status is recomputed on read by a pure function and
// persisted only when the computation yields a different value, inside the
// same transaction as whatever mutated the reservation that changed it.
package resourcemgr

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"resourcereserver/internal/apperr"
	"resourcereserver/internal/cache"
	"resourcereserver/internal/clock"
	"resourcereserver/internal/events"
	"resourcereserver/internal/models"
	"resourcereserver/internal/store"
)

// Manager owns resource CRUD and the status state machine.
type Manager struct {
	store store.Store
	clock clock.Clock
	bus   *events.Bus
	cache cache.Invalidator
}

// New builds a Manager. cache may be cache.Noop{} when no cache is wired.
func New(s store.Store, clk clock.Clock, bus *events.Bus, c cache.Invalidator) *Manager {
	return &Manager{store: s, clock: clk, bus: bus, cache: c}
}

// Create registers a new bookable resource.
func (m *Manager) Create(ctx context.Context, r *models.Resource) (*models.Resource, error) {
	if r.Name == "" || len(r.Name) > 200 {
		return nil, apperr.Validation("resource: name must be 1-200 characters")
	}
	if r.AutoResetHours <= 0 {
		r.AutoResetHours = 24
	}
	r.Available = true
	r.Status = models.ResourceAvailable

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateResource(ctx, r)
	})
	if err != nil {
		return nil, apperr.Store(err, "resource: create")
	}

	m.bus.Publish(events.ResourceCreated, map[string]any{"resource_id": r.ID, "name": r.Name})
	m.cache.InvalidateResource(ctx, r.ID)
	return r, nil
}

// Get loads a resource with its status recomputed against now, persisting
// the recomputed value if it changed (§4.7).
func (m *Manager) Get(ctx context.Context, id int64) (*models.Resource, error) {
	var result *models.Resource
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetResource(ctx, id)
		if err != nil {
			return err
		}
		recomputed, err := m.recompute(ctx, tx, r)
		if err != nil {
			return err
		}
		result = recomputed
		return nil
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.NotFound("resource %d not found", id)
		}
		return nil, apperr.Store(err, "resource: get %d", id)
	}
	return result, nil
}

// recompute applies models.ComputeStatus and persists the change inside tx
// if it differs from the resource's current status, per §4.7.
func (m *Manager) recompute(ctx context.Context, tx store.Tx, r *models.Resource) (*models.Resource, error) {
	now := m.clock.Now()
	covering, err := tx.FindActiveReservationCovering(ctx, r.ID, now)
	if err != nil {
		return nil, err
	}

	next := models.ComputeStatus(r, now, covering != nil)
	if next == r.Status {
		return r, nil
	}

	prev := r.Status
	r.Status = next
	if next == models.ResourceAvailable && prev == models.ResourceUnavailable {
		r.UnavailableSince = nil
	}
	if err := tx.UpdateResource(ctx, r); err != nil {
		return nil, err
	}

	slog.Info("resource status recomputed", "resource_id", r.ID, "from", prev, "to", next)
	m.bus.Publish(events.ResourceUpdated, map[string]any{"resource_id": r.ID, "status": string(next)})
	if next == models.ResourceAvailable {
		m.bus.Publish(events.ResourceAvailable, map[string]any{"resource_id": r.ID})
	} else if next == models.ResourceUnavailable {
		m.bus.Publish(events.ResourceUnavailable, map[string]any{"resource_id": r.ID})
	}
	return r, nil
}

// RecomputeInTx lets other components (allocator, approval, waitlist,
// scheduler) recompute a resource's status from within their own
// transaction, immediately after a reservation mutation, instead of
// re-entering a new transaction.
func (m *Manager) RecomputeInTx(ctx context.Context, tx store.Tx, resourceID int64) error {
	r, err := tx.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	_, err = m.recompute(ctx, tx, r)
	return err
}

// SetAvailability is the admin kill switch (§3): flips Available without
// touching Status. Status recomputation does not read Available; the switch
// takes effect through AcceptsBookings, which checks it alongside Status.
func (m *Manager) SetAvailability(ctx context.Context, id int64, available bool) (*models.Resource, error) {
	var result *models.Resource
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockResource(ctx, id); err != nil {
			return err
		}
		r, err := tx.GetResource(ctx, id)
		if err != nil {
			return err
		}
		r.Available = available
		if err := tx.UpdateResource(ctx, r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.NotFound("resource %d not found", id)
		}
		return nil, apperr.Store(err, "resource: set availability")
	}
	m.bus.Publish(events.ResourceUpdated, map[string]any{"resource_id": id, "available": available})
	m.cache.InvalidateResource(ctx, id)
	return result, nil
}

// SetUnavailable marks a resource unavailable by explicit admin action,
// setting unavailable_since so auto-reset applies (§4.7).
func (m *Manager) SetUnavailable(ctx context.Context, id int64) (*models.Resource, error) {
	var result *models.Resource
	now := m.clock.Now()
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockResource(ctx, id); err != nil {
			return err
		}
		r, err := tx.GetResource(ctx, id)
		if err != nil {
			return err
		}
		r.Status = models.ResourceUnavailable
		r.UnavailableSince = &now
		if err := tx.UpdateResource(ctx, r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.NotFound("resource %d not found", id)
		}
		return nil, apperr.Store(err, "resource: set unavailable")
	}
	m.bus.Publish(events.ResourceUnavailable, map[string]any{"resource_id": id})
	m.cache.InvalidateResource(ctx, id)
	return result, nil
}

// SetTags replaces a resource's tag set with an order-insensitive set of
// strings (§3).
func (m *Manager) SetTags(ctx context.Context, id int64, tags []string) (*models.Resource, error) {
	payload, err := json.Marshal(dedupeTags(tags))
	if err != nil {
		return nil, apperr.Validation("resource: invalid tags: %v", err)
	}

	var result *models.Resource
	err = m.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetResource(ctx, id)
		if err != nil {
			return err
		}
		r.Tags = payload
		if err := tx.UpdateResource(ctx, r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.NotFound("resource %d not found", id)
		}
		return nil, apperr.Store(err, "resource: set tags")
	}
	m.cache.InvalidateResource(ctx, id)
	return result, nil
}

func dedupeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// AutoResetDue is exposed so the Lifecycle Scheduler can check the same
// predicate models.ComputeStatus uses, without re-deriving it (§4.12 step 3).
func AutoResetDue(r *models.Resource, now time.Time) bool {
	if r.Status != models.ResourceUnavailable || r.UnavailableSince == nil || r.AutoResetHours <= 0 {
		return false
	}
	return now.Sub(*r.UnavailableSince) >= time.Duration(r.AutoResetHours)*time.Hour
}
