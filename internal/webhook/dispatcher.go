// Package webhook implements the queued, signed, retrying HTTP POSTer
// (§4.6): turn a domain event into at-least-once deliveries to every
// subscribed endpoint, with bounded exponential backoff.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"gorm.io/datatypes"

	"resourcereserver/internal/apperr"
	"resourcereserver/internal/clock"
	"resourcereserver/internal/models"
	"resourcereserver/internal/store"
)

// queueCapacity bounds the in-memory dispatch queue; once full, new
// deliveries still persist as pending and wait for the sweeper (§5
// backpressure).
const queueCapacity = 4096

// DefaultWorkers is the default size of the delivery worker pool (§5).
const DefaultWorkers = 8

const requestTimeout = 30 * time.Second

type job struct {
	webhook   *models.Webhook
	delivery  *models.WebhookDelivery
}

// Dispatcher POSTs signed payloads to subscribed webhooks and retries
// failures on the schedule in models.RetryDelays, up to models.MaxRetries.
type Dispatcher struct {
	store   store.Store
	http    *resty.Client
	clock   clock.Clock
	workers int

	queue chan job
	wg    sync.WaitGroup
}

// NewDispatcher builds a Dispatcher with workers delivery goroutines (0 or
// negative defaults to DefaultWorkers).
func NewDispatcher(s store.Store, clk clock.Clock, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		store:   s,
		http:    resty.New().SetTimeout(requestTimeout),
		clock:   clk,
		workers: workers,
		queue:   make(chan job, queueCapacity),
	}
}

// Start launches the worker pool. It returns immediately; workers run until
// ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Wait blocks until every worker goroutine has exited (post ctx cancel).
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.attempt(ctx, j.webhook, j.delivery)
		}
	}
}

// Dispatch handles one domain event (§4.6 algorithm steps 1-3): selects
// every active webhook subscribed to eventType, persists a pending
// WebhookDelivery for each, and schedules an immediate async attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, data map[string]any) error {
	envelope := map[string]any{
		"event":     eventType,
		"timestamp": d.clock.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return apperr.Validation("webhook: marshal payload: %v", err)
	}

	var jobs []job
	err = d.store.WithTx(ctx, func(tx store.Tx) error {
		webhooks, err := tx.ListActiveWebhooksForEvent(ctx, eventType)
		if err != nil {
			return err
		}
		for _, w := range webhooks {
			delivery := &models.WebhookDelivery{
				WebhookID: w.ID,
				EventType: eventType,
				Payload:   datatypes.JSON(body),
				Status:    models.DeliveryPending,
			}
			if err := tx.CreateWebhookDelivery(ctx, delivery); err != nil {
				return err
			}
			jobs = append(jobs, job{webhook: w, delivery: delivery})
		}
		return nil
	})
	if err != nil {
		return apperr.Store(err, "webhook: create deliveries for %s", eventType)
	}

	for _, j := range jobs {
		select {
		case d.queue <- j:
		default:
			slog.Warn("webhook dispatch queue full, delivery deferred to sweeper",
				"webhook_id", j.webhook.ID, "delivery_id", j.delivery.ID)
		}
	}
	return nil
}

// attempt performs one HTTP POST attempt for delivery and persists the
// outcome: delivered on 2xx, otherwise incremented retry_count with either
// a scheduled next_retry_at or a terminal failed status (§4.6).
func (d *Dispatcher) attempt(ctx context.Context, w *models.Webhook, delivery *models.WebhookDelivery) {
	body := []byte(delivery.Payload)
	signature := Sign(w.Secret, body)
	deliveryHeaderID := strconv.FormatInt(delivery.ID, 10)

	attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, reqErr := d.http.R().
		SetContext(attemptCtx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Webhook-Signature", signature).
		SetHeader("X-Webhook-Event", delivery.EventType).
		SetHeader("X-Webhook-Delivery", deliveryHeaderID).
		SetHeader("User-Agent", "ResourceReserver-Webhook/1.0").
		SetBody(body).
		Post(w.URL)

	now := d.clock.Now()
	success := reqErr == nil && resp.StatusCode() >= 200 && resp.StatusCode() < 300

	if success {
		delivery.Status = models.DeliveryDelivered
		delivery.StatusCode = resp.StatusCode()
		delivery.ResponseBody = truncate(resp.String(), 1000)
		delivery.DeliveredAt = &now
		delivery.ErrorMessage = ""
	} else {
		delivery.RetryCount++
		if reqErr != nil {
			delivery.ErrorMessage = truncate(reqErr.Error(), 500)
		} else {
			delivery.StatusCode = resp.StatusCode()
			delivery.ResponseBody = truncate(resp.String(), 1000)
			delivery.ErrorMessage = truncate(fmt.Sprintf("http status %d", resp.StatusCode()), 500)
		}
		if delivery.RetryCount >= models.MaxRetries {
			delivery.Status = models.DeliveryFailed
			delivery.NextRetryAt = nil
		} else {
			delivery.Status = models.DeliveryPending
			next := now.Add(models.NextDelay(delivery.RetryCount))
			delivery.NextRetryAt = &next
		}
	}

	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateWebhookDelivery(ctx, delivery)
	})
	if err != nil {
		slog.Error("webhook: failed to persist delivery outcome", "delivery_id", delivery.ID, "error", err)
		return
	}

	if success {
		slog.Info("webhook delivered", "delivery_id", delivery.ID, "webhook_id", w.ID, "status", delivery.StatusCode)
	} else {
		slog.Warn("webhook delivery attempt failed", "delivery_id", delivery.ID, "webhook_id", w.ID,
			"retry_count", delivery.RetryCount, "terminal", delivery.Status == models.DeliveryFailed)
	}
}

// Sweep polls for deliveries eligible for retry (§4.6 "background sweeper")
// and re-enqueues each for another attempt.
func (d *Dispatcher) Sweep(ctx context.Context, batch int) error {
	deliveries, err := d.store.ScanPendingWebhookDeliveries(ctx, d.clock.Now(), batch)
	if err != nil {
		return apperr.Store(err, "webhook: scan pending deliveries")
	}

	for _, del := range deliveries {
		var w *models.Webhook
		err := d.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			w, err = tx.GetWebhook(ctx, del.WebhookID)
			return err
		})
		if err != nil {
			slog.Warn("webhook sweeper: lookup failed, skipping delivery", "delivery_id", del.ID, "error", err)
			continue
		}

		select {
		case d.queue <- job{webhook: w, delivery: del}:
		default:
			slog.Warn("webhook dispatch queue full during sweep", "delivery_id", del.ID)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
