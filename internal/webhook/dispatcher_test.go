package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resourcereserver/internal/clock"
	"resourcereserver/internal/models"
	"resourcereserver/internal/store"
)

func TestDispatchDeliversToSubscribedWebhook(t *testing.T) {
	require := require.New(t)

	var hits atomic.Int32
	var gotSig, gotEvent, gotDeliveryID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotDeliveryID = r.Header.Get("X-Webhook-Delivery")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.SeedWebhook(&models.Webhook{
		URL:      srv.URL,
		Secret:   "shh",
		Events:   mustJSON([]string{"reservation.created"}),
		IsActive: true,
	})

	clk := clock.NewManual(time.Now())
	d := NewDispatcher(mem, clk, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	err := d.Dispatch(context.Background(), "reservation.created", map[string]any{"reservation_id": int64(1)})
	require.NoError(err)

	require.Eventually(func() bool { return hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Equal("reservation.created", gotEvent)
	require.NotEmpty(gotSig)

	deliveries := mem.Deliveries()
	require.Len(deliveries, 1)
	require.Equal(models.DeliveryDelivered, deliveries[0].Status)
	require.NotNil(deliveries[0].DeliveredAt)
	require.Equal(strconv.FormatInt(deliveries[0].ID, 10), gotDeliveryID)
}

func TestDispatchSkipsUnsubscribedWebhook(t *testing.T) {
	require := require.New(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.SeedWebhook(&models.Webhook{
		URL:      srv.URL,
		Secret:   "shh",
		Events:   mustJSON([]string{"waitlist.offer"}),
		IsActive: true,
	})

	clk := clock.NewManual(time.Now())
	d := NewDispatcher(mem, clk, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	err := d.Dispatch(context.Background(), "reservation.created", map[string]any{"reservation_id": int64(1)})
	require.NoError(err)

	time.Sleep(50 * time.Millisecond)
	require.Equal(int32(0), hits.Load())
	require.Empty(mem.Deliveries())
}

func TestAttemptFailureSchedulesRetry(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.SeedWebhook(&models.Webhook{
		URL:      srv.URL,
		Secret:   "shh",
		Events:   mustJSON([]string{"reservation.created"}),
		IsActive: true,
	})

	clk := clock.NewManual(time.Now())
	d := NewDispatcher(mem, clk, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	err := d.Dispatch(context.Background(), "reservation.created", map[string]any{"reservation_id": int64(1)})
	require.NoError(err)

	require.Eventually(func() bool {
		ds := mem.Deliveries()
		return len(ds) == 1 && ds[0].RetryCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	ds := mem.Deliveries()
	require.Equal(models.DeliveryPending, ds[0].Status)
	require.NotNil(ds[0].NextRetryAt)
	require.True(ds[0].NextRetryAt.After(clk.Now()))
}

func TestAttemptSendsStableDeliveryIDAcrossRetries(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	var seenIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenIDs = append(seenIDs, r.Header.Get("X-Webhook-Delivery"))
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.SeedWebhook(&models.Webhook{
		URL:      srv.URL,
		Secret:   "shh",
		Events:   mustJSON([]string{"reservation.created"}),
		IsActive: true,
	})

	clk := clock.NewManual(time.Now())
	d := NewDispatcher(mem, clk, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := d.Dispatch(context.Background(), "reservation.created", map[string]any{"reservation_id": int64(1)})
	require.NoError(err)

	deliveries := mem.Deliveries()
	require.Len(deliveries, 1)
	delivery := deliveries[0]

	var webhook *models.Webhook
	err = mem.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		webhook, err = tx.GetWebhook(context.Background(), delivery.WebhookID)
		return err
	})
	require.NoError(err)

	d.attempt(ctx, webhook, delivery)
	d.attempt(ctx, webhook, delivery)

	mu.Lock()
	defer mu.Unlock()
	require.Len(seenIDs, 2)
	require.Equal(seenIDs[0], seenIDs[1])
	require.Equal(strconv.FormatInt(delivery.ID, 10), seenIDs[0])
}

func mustJSON(events []string) []byte {
	b, err := json.Marshal(events)
	if err != nil {
		panic(err)
	}
	return b
}
