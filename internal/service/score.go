package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"vitalmesh/config"
	"vitalmesh/internal/api"
	"vitalmesh/internal/bus"
	"vitalmesh/internal/eventstore"
	"vitalmesh/internal/readmodel"
	"vitalmesh/internal/scoring"
	"vitalmesh/internal/vitals"
)

// RunScore starts the scoring service: the command/query HTTP surface, the
// event store, the read model projection, and the bus worker absorbing peer
// score events.
func RunScore(ctx context.Context, cfg config.Config) error {
	events, err := eventstore.Open(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		return err
	}
	defer events.Close()

	models, err := readmodel.Open(filepath.Join(cfg.DataDir, "readmodel.db"))
	if err != nil {
		return err
	}
	defer models.Close()

	b, err := bus.Dial(cfg.AMQPURL, cfg.Env)
	if err != nil {
		return err
	}
	defer b.Close()

	projector := readmodel.NewProjector(models)
	engine := scoring.NewEngine(events, b, projector, vitals.RealClock{})
	worker := scoring.NewWorker(engine, b)

	handler := &api.ScoringAPI{Engine: engine, ReadModels: models}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler.Router()}

	slog.Info("scoring service starting", "node", cfg.NodeID, "port", cfg.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, srv) })
	return g.Wait()
}
