// Command engine wires every core component into one running process: the
// Store, Event Bus, Notifier, Socket Hub, Webhook Dispatcher, Resource
// Manager, Reservation Allocator, Approval Coordinator, Waitlist Engine,
// and the Lifecycle Scheduler that ticks them all forward. It exposes no
// HTTP surface of its own — transport, auth, and rendering are external
// collaborators layered in front of these packages.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"resourcereserver/internal/allocator"
	"resourcereserver/internal/approval"
	"resourcereserver/internal/cache"
	"resourcereserver/internal/clock"
	"resourcereserver/internal/config"
	"resourcereserver/internal/events"
	"resourcereserver/internal/notifier"
	"resourcereserver/internal/resourcemgr"
	"resourcereserver/internal/scheduler"
	"resourcereserver/internal/socket"
	"resourcereserver/internal/store"
	"resourcereserver/internal/waitlist"
	"resourcereserver/internal/webhook"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting reservation engine")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "environment", cfg.Environment)

	db, err := store.Connect(cfg.DatabaseURL, cfg.StoreConnMaxOpen, cfg.StoreConnMaxIdle)
	if err != nil {
		logger.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}
	logger.Info("store connected")

	var invalidator cache.Invalidator = cache.Noop{}
	if cfg.RedisURL != "" {
		redisCache, err := cache.New(cfg.RedisURL)
		if err != nil {
			logger.Warn("cache disabled: failed to connect to redis", "error", err)
		} else {
			invalidator = redisCache
			defer redisCache.Close()
		}
	}

	clk := clock.System{}
	bus := events.New(clk)
	notify := notifier.New(db)
	sockets := socket.New()

	resources := resourcemgr.New(db, clk, bus, invalidator)
	alloc := allocator.New(db, clk, bus, resources)
	approvals := approval.New(db, clk, bus, resources, notify, sockets)
	waitlistEngine := waitlist.New(db, clk, bus, alloc, notify, sockets, cfg.WaitlistOfferTTL)
	alloc.SetWaitlist(waitlistEngine)
	alloc.SetApproval(approvals)

	dispatcher := webhook.NewDispatcher(db, clk, webhook.DefaultWorkers)
	subscribeWebhookDeliveries(bus, dispatcher)

	sched := scheduler.New(db, clk, bus, resources, waitlistEngine, dispatcher, notify, sockets,
		cfg.LifecycleTickInterval, scheduler.DefaultBatchSize, cfg.DefaultReminderHours, scheduler.DefaultWebhookSweepBatch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	logger.Info("webhook dispatcher started", "workers", webhook.DefaultWorkers)

	logger.Info("scheduler started", "tick_interval", cfg.LifecycleTickInterval)
	sched.Run(ctx)

	logger.Info("shutting down, draining webhook workers")
	dispatcher.Wait()
	logger.Info("shutdown complete")
}

// subscribeWebhookDeliveries bridges the Event Bus to the Webhook
// Dispatcher: every published domain event becomes a dispatch attempt for
// webhooks subscribed to it (§4.6 step 1).
func subscribeWebhookDeliveries(bus *events.Bus, dispatcher *webhook.Dispatcher) {
	ch := bus.Subscribe("webhook-dispatcher")
	go func() {
		for ev := range ch {
			if err := dispatcher.Dispatch(context.Background(), string(ev.Type), ev.Data); err != nil {
				slog.Error("webhook dispatch failed", "event", ev.Type, "error", err)
			}
		}
	}()
}
