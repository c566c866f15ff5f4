package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resourcereserver/internal/allocator"
	"resourcereserver/internal/cache"
	"resourcereserver/internal/clock"
	"resourcereserver/internal/events"
	"resourcereserver/internal/models"
	"resourcereserver/internal/notifier"
	"resourcereserver/internal/resourcemgr"
	"resourcereserver/internal/socket"
	"resourcereserver/internal/store"
	"resourcereserver/internal/waitlist"
)

func setup(now time.Time) (*Scheduler, *store.Memory, *resourcemgr.Manager, *waitlist.Engine, *clock.Manual) {
	mem := store.NewMemory()
	clk := clock.NewManual(now)
	bus := events.New(clk)
	mgr := resourcemgr.New(mem, clk, bus, cache.Noop{})
	a := allocator.New(mem, clk, bus, mgr)
	notify := notifier.New(mem)
	sockets := socket.New()
	w := waitlist.New(mem, clk, bus, a, notify, sockets, 30*time.Minute)
	a.SetWaitlist(w)

	sch := New(mem, clk, bus, mgr, w, nil, notify, sockets, time.Minute, 200, 24, 100)
	return sch, mem, mgr, w, clk
}

func TestExpirePastEndReservationsFlipsStatusAndAudits(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sch, mem, _, _, _ := setup(now)

	resourceID := mem.SeedResource(&models.Resource{Name: "Room A", Available: true, Status: models.ResourceInUse, AutoResetHours: 24})

	var reservationID int64
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		r := &models.Reservation{
			UserID: 1, ResourceID: resourceID,
			Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour),
			Status: models.ReservationActive, CreatedAt: now.Add(-2 * time.Hour),
		}
		err := tx.CreateReservation(context.Background(), r)
		reservationID = r.ID
		return err
	})

	require.NoError(sch.expirePastEndReservations(context.Background()))

	var got *models.Reservation
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetReservation(context.Background(), reservationID)
		return err
	})
	require.Equal(models.ReservationExpired, got.Status)

	resource, err := sch.resources.Get(context.Background(), resourceID)
	require.NoError(err)
	require.Equal(models.ResourceAvailable, resource.Status)
}

func TestExpirePastEndReservationsOffersFreedSlotToWaitlist(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sch, mem, _, w, _ := setup(now)

	resourceID := mem.SeedResource(&models.Resource{Name: "Room A", Available: true, Status: models.ResourceInUse, AutoResetHours: 24})

	start, end := now.Add(-2*time.Hour), now.Add(-time.Hour)
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		r := &models.Reservation{
			UserID: 1, ResourceID: resourceID, Start: start, End: end,
			Status: models.ReservationActive, CreatedAt: start,
		}
		return tx.CreateReservation(context.Background(), r)
	})

	waiter, err := w.Join(context.Background(), 2, resourceID, start, end, false)
	require.NoError(err)

	require.NoError(sch.expirePastEndReservations(context.Background()))

	var got *models.WaitlistEntry
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetWaitlistEntry(context.Background(), waiter.ID)
		return err
	})
	require.Equal(models.WaitlistOffered, got.Status)
}

func TestAutoResetResourcesFlipsPastDeadline(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sch, mem, _, _, _ := setup(now)

	since := now.Add(-2 * time.Hour)
	resourceID := mem.SeedResource(&models.Resource{
		Name: "Room B", Available: true, Status: models.ResourceUnavailable,
		UnavailableSince: &since, AutoResetHours: 1,
	})

	require.NoError(sch.autoResetResources(context.Background()))

	resource, err := sch.resources.Get(context.Background(), resourceID)
	require.NoError(err)
	require.Equal(models.ResourceAvailable, resource.Status)
}

func TestAutoResetResourcesLeavesUnexpiredAlone(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sch, mem, _, _, _ := setup(now)

	since := now.Add(-30 * time.Minute)
	resourceID := mem.SeedResource(&models.Resource{
		Name: "Room C", Available: true, Status: models.ResourceUnavailable,
		UnavailableSince: &since, AutoResetHours: 24,
	})

	require.NoError(sch.autoResetResources(context.Background()))

	resource, err := sch.resources.Get(context.Background(), resourceID)
	require.NoError(err)
	require.Equal(models.ResourceUnavailable, resource.Status)
}

func TestSendRemindersFiresWithinUserLeadTime(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sch, mem, _, _, _ := setup(now)

	mem.SeedUser(&models.User{ID: 7, ReminderHours: 3})
	resourceID := mem.SeedResource(&models.Resource{Name: "Room D", Available: true, Status: models.ResourceAvailable, AutoResetHours: 24})

	var reservationID int64
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		r := &models.Reservation{
			UserID: 7, ResourceID: resourceID,
			Start: now.Add(2 * time.Hour), End: now.Add(3 * time.Hour),
			Status: models.ReservationActive, CreatedAt: now,
		}
		err := tx.CreateReservation(context.Background(), r)
		reservationID = r.ID
		return err
	})

	require.NoError(sch.sendReminders(context.Background()))

	var got *models.Reservation
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetReservation(context.Background(), reservationID)
		return err
	})
	require.True(got.ReminderSent)
}

func TestSendRemindersSkipsOutsideLeadTime(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sch, mem, _, _, _ := setup(now)

	mem.SeedUser(&models.User{ID: 8, ReminderHours: 1})
	resourceID := mem.SeedResource(&models.Resource{Name: "Room E", Available: true, Status: models.ResourceAvailable, AutoResetHours: 24})

	var reservationID int64
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		r := &models.Reservation{
			UserID: 8, ResourceID: resourceID,
			Start: now.Add(5 * time.Hour), End: now.Add(6 * time.Hour),
			Status: models.ReservationActive, CreatedAt: now,
		}
		err := tx.CreateReservation(context.Background(), r)
		reservationID = r.ID
		return err
	})

	require.NoError(sch.sendReminders(context.Background()))

	var got *models.Reservation
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetReservation(context.Background(), reservationID)
		return err
	})
	require.False(got.ReminderSent)
}

func TestSendRemindersFallsBackToDefaultReminderHours(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sch, mem, _, _, _ := setup(now)

	resourceID := mem.SeedResource(&models.Resource{Name: "Room F", Available: true, Status: models.ResourceAvailable, AutoResetHours: 24})

	var reservationID int64
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		r := &models.Reservation{
			UserID: 9, ResourceID: resourceID,
			Start: now.Add(10 * time.Hour), End: now.Add(11 * time.Hour),
			Status: models.ReservationActive, CreatedAt: now,
		}
		err := tx.CreateReservation(context.Background(), r)
		reservationID = r.ID
		return err
	})

	require.NoError(sch.sendReminders(context.Background()))

	var got *models.Reservation
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetReservation(context.Background(), reservationID)
		return err
	})
	require.True(got.ReminderSent)
}
