package resourcemgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resourcereserver/internal/cache"
	"resourcereserver/internal/clock"
	"resourcereserver/internal/events"
	"resourcereserver/internal/models"
	"resourcereserver/internal/store"
)

func TestCreateResourceDefaultsToAvailable(t *testing.T) {
	require := require.New(t)

	mem := store.NewMemory()
	clk := clock.NewManual(time.Now())
	mgr := New(mem, clk, events.New(clk), cache.Noop{})

	r, err := mgr.Create(context.Background(), &models.Resource{Name: "Room A"})
	require.NoError(err)
	require.NotZero(r.ID)
	require.Equal(models.ResourceAvailable, r.Status)
	require.True(r.Available)
}

func TestGetRecomputesInUseWhenCoveredByActiveReservation(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	mem := store.NewMemory()
	mgr := New(mem, clk, events.New(clk), cache.Noop{})

	id := mem.SeedResource(&models.Resource{Name: "Room B", Available: true, Status: models.ResourceAvailable, AutoResetHours: 24})
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateReservation(context.Background(), &models.Reservation{
			ResourceID: id, UserID: 1, Start: now.Add(-time.Hour), End: now.Add(time.Hour), Status: models.ReservationActive,
		})
	})

	r, err := mgr.Get(context.Background(), id)
	require.NoError(err)
	require.Equal(models.ResourceInUse, r.Status)
}

func TestAutoResetClearsUnavailableSince(t *testing.T) {
	require := require.New(t)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := since.Add(25 * time.Hour)
	clk := clock.NewManual(now)
	mem := store.NewMemory()
	mgr := New(mem, clk, events.New(clk), cache.Noop{})

	id := mem.SeedResource(&models.Resource{
		Name: "Room C", Available: true, Status: models.ResourceUnavailable,
		UnavailableSince: &since, AutoResetHours: 24,
	})

	r, err := mgr.Get(context.Background(), id)
	require.NoError(err)
	require.Equal(models.ResourceAvailable, r.Status)
	require.Nil(r.UnavailableSince)
}

func TestScheduleInducedUnavailabilityDoesNotAutoReset(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	mem := store.NewMemory()
	mgr := New(mem, clk, events.New(clk), cache.Noop{})

	id := mem.SeedResource(&models.Resource{
		Name: "Room D", Available: true, Status: models.ResourceUnavailable,
		UnavailableSince: nil, AutoResetHours: 24,
	})

	r, err := mgr.Get(context.Background(), id)
	require.NoError(err)
	require.Equal(models.ResourceUnavailable, r.Status)
}

func TestSetAvailabilityTogglesKillSwitch(t *testing.T) {
	require := require.New(t)

	clk := clock.NewManual(time.Now())
	mem := store.NewMemory()
	mgr := New(mem, clk, events.New(clk), cache.Noop{})

	id := mem.SeedResource(&models.Resource{Name: "Room E", Available: true, Status: models.ResourceAvailable, AutoResetHours: 24})

	r, err := mgr.SetAvailability(context.Background(), id, false)
	require.NoError(err)
	require.False(r.Available)
	require.False(r.AcceptsBookings())
}
