package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resourcereserver/internal/allocator"
	"resourcereserver/internal/apperr"
	"resourcereserver/internal/cache"
	"resourcereserver/internal/clock"
	"resourcereserver/internal/events"
	"resourcereserver/internal/models"
	"resourcereserver/internal/notifier"
	"resourcereserver/internal/resourcemgr"
	"resourcereserver/internal/socket"
	"resourcereserver/internal/store"
)

func setup(now time.Time) (*Engine, *allocator.Allocator, *store.Memory, *clock.Manual, int64) {
	mem := store.NewMemory()
	clk := clock.NewManual(now)
	bus := events.New(clk)
	mgr := resourcemgr.New(mem, clk, bus, cache.Noop{})
	a := allocator.New(mem, clk, bus, mgr)
	w := New(mem, clk, bus, a, notifier.New(mem), socket.New(), 30*time.Minute)
	a.SetWaitlist(w)

	id := mem.SeedResource(&models.Resource{Name: "Room W", Available: true, Status: models.ResourceAvailable, AutoResetHours: 24})
	return w, a, mem, clk, id
}

func TestJoinAssignsDensePositions(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	w, _, _, _, resourceID := setup(now)

	e1, err := w.Join(context.Background(), 1, resourceID, now.Add(time.Hour), now.Add(2*time.Hour), false)
	require.NoError(err)
	require.Equal(1, e1.Position)

	e2, err := w.Join(context.Background(), 2, resourceID, now.Add(3*time.Hour), now.Add(4*time.Hour), true)
	require.NoError(err)
	require.Equal(2, e2.Position)
}

func TestJoinRejectsDuplicateTimeSlot(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	w, _, _, _, resourceID := setup(now)

	_, err := w.Join(context.Background(), 1, resourceID, now.Add(time.Hour), now.Add(2*time.Hour), false)
	require.NoError(err)

	_, err = w.Join(context.Background(), 1, resourceID, now.Add(time.Hour), now.Add(2*time.Hour), false)
	require.Error(err)
	require.Equal(apperr.KindValidation, apperr.KindOf(err))
}

func TestLeaveClosesPositionGap(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	w, _, mem, _, resourceID := setup(now)

	e1, err := w.Join(context.Background(), 1, resourceID, now.Add(time.Hour), now.Add(2*time.Hour), false)
	require.NoError(err)
	e2, err := w.Join(context.Background(), 2, resourceID, now.Add(3*time.Hour), now.Add(4*time.Hour), false)
	require.NoError(err)
	e3, err := w.Join(context.Background(), 3, resourceID, now.Add(5*time.Hour), now.Add(6*time.Hour), false)
	require.NoError(err)

	_, err = w.Leave(context.Background(), 2, e2.ID)
	require.NoError(err)

	var refreshed1, refreshed3 *models.WaitlistEntry
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		refreshed1, _ = tx.GetWaitlistEntry(context.Background(), e1.ID)
		refreshed3, _ = tx.GetWaitlistEntry(context.Background(), e3.ID)
		return nil
	})
	require.Equal(1, refreshed1.Position)
	require.Equal(2, refreshed3.Position)
}

func TestCheckAndOfferSlotMatchesExactWindow(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	w, _, mem, _, resourceID := setup(now)

	start, end := now.Add(time.Hour), now.Add(2*time.Hour)
	e1, err := w.Join(context.Background(), 1, resourceID, start, end, false)
	require.NoError(err)

	err = w.CheckAndOfferSlot(context.Background(), resourceID, start, end)
	require.NoError(err)

	var got *models.WaitlistEntry
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetWaitlistEntry(context.Background(), e1.ID)
		return err
	})
	require.Equal(models.WaitlistOffered, got.Status)
	require.NotNil(got.OfferExpiresAt)
}

func TestCheckAndOfferSlotSkipsNonFlexibleMismatch(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	w, _, mem, _, resourceID := setup(now)

	e1, err := w.Join(context.Background(), 1, resourceID, now.Add(5*time.Hour), now.Add(6*time.Hour), false)
	require.NoError(err)

	err = w.CheckAndOfferSlot(context.Background(), resourceID, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(err)

	var got *models.WaitlistEntry
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetWaitlistEntry(context.Background(), e1.ID)
		return err
	})
	require.Equal(models.WaitlistWaiting, got.Status)
}

func TestAcceptCreatesReservationAndFulfillsEntry(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	w, _, mem, _, resourceID := setup(now)

	start, end := now.Add(time.Hour), now.Add(2*time.Hour)
	e1, err := w.Join(context.Background(), 1, resourceID, start, end, false)
	require.NoError(err)
	require.NoError(w.CheckAndOfferSlot(context.Background(), resourceID, start, end))

	reservation, err := w.Accept(context.Background(), 1, e1.ID)
	require.NoError(err)
	require.Equal(models.ReservationActive, reservation.Status)

	var got *models.WaitlistEntry
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		got, err = tx.GetWaitlistEntry(context.Background(), e1.ID)
		return err
	})
	require.Equal(models.WaitlistFulfilled, got.Status)
}

func TestAcceptFailsOnExpiredOffer(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	w, _, _, clk, resourceID := setup(now)

	start, end := now.Add(time.Hour), now.Add(2*time.Hour)
	e1, err := w.Join(context.Background(), 1, resourceID, start, end, false)
	require.NoError(err)
	require.NoError(w.CheckAndOfferSlot(context.Background(), resourceID, start, end))

	clk.Advance(31 * time.Minute)

	_, err = w.Accept(context.Background(), 1, e1.ID)
	require.Error(err)
	require.Equal(apperr.KindOfferExpired, apperr.KindOf(err))
}

func TestExpireStaleOffersReoffersToNextWaiter(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	w, _, mem, clk, resourceID := setup(now)

	start, end := now.Add(time.Hour), now.Add(2*time.Hour)
	e1, err := w.Join(context.Background(), 1, resourceID, start, end, true)
	require.NoError(err)
	e2, err := w.Join(context.Background(), 2, resourceID, start, end, true)
	require.NoError(err)

	require.NoError(w.CheckAndOfferSlot(context.Background(), resourceID, start, end))

	clk.Advance(31 * time.Minute)
	require.NoError(w.ExpireStaleOffers(context.Background()))

	var got1, got2 *models.WaitlistEntry
	mem.WithTx(context.Background(), func(tx store.Tx) error {
		got1, _ = tx.GetWaitlistEntry(context.Background(), e1.ID)
		got2, _ = tx.GetWaitlistEntry(context.Background(), e2.ID)
		return nil
	})
	require.Equal(models.WaitlistExpired, got1.Status)
	require.Equal(models.WaitlistOffered, got2.Status)
}
