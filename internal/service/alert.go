package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"vitalmesh/config"
	"vitalmesh/internal/alert"
	"vitalmesh/internal/api"
	"vitalmesh/internal/bus"
	"vitalmesh/internal/notify"
	"vitalmesh/internal/vitals"
)

// RunAlert starts the alert service: the consensus consumer, the escalation
// sweeper, the notification dispatcher, and the alert HTTP surface.
func RunAlert(ctx context.Context, cfg config.Config) error {
	store, err := alert.OpenStore(filepath.Join(cfg.DataDir, "alerts.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	notifications, err := notify.OpenStore(filepath.Join(cfg.DataDir, "notifications.db"))
	if err != nil {
		return err
	}
	defer notifications.Close()

	b, err := bus.Dial(cfg.AMQPURL, cfg.Env)
	if err != nil {
		return err
	}
	defer b.Close()

	clock := vitals.RealClock{}
	senders := map[alert.Channel]notify.Sender{
		alert.ChannelLog:     notify.LogSender{},
		alert.ChannelWebhook: notify.NewWebhookSender(),
	}
	if cfg.Email.Host != "" {
		senders[alert.ChannelEmail] = &notify.EmailSender{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Secure:   cfg.Email.Secure,
			From:     cfg.Email.From,
			FromName: cfg.Email.FromName,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
		}
	} else {
		slog.Warn("email channel disabled: no smtp host configured")
	}
	dispatcher := notify.NewDispatcher(notifications, senders, clock)

	svc := alert.NewService(store, b, dispatcher, clock)
	worker := alert.NewWorker(svc, b)
	escalator := &alert.Escalator{Service: svc}

	handler := &api.AlertsAPI{Service: svc, Notifications: notifications, Dispatcher: dispatcher}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler.Router()}

	slog.Info("alert service starting", "node", cfg.NodeID, "port", cfg.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return escalator.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, srv) })
	return g.Wait()
}
