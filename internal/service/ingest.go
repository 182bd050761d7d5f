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
	"vitalmesh/internal/ingest"
	"vitalmesh/internal/ntp"
	"vitalmesh/internal/vitals"
)

// RunIngest starts the sensor ingestion service: the HTTP data surface, the
// per-sensor consensus engine, and the clock-skew checker.
func RunIngest(ctx context.Context, cfg config.Config) error {
	store, err := ingest.OpenStore(filepath.Join(cfg.DataDir, "ingest.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	clock := vitals.RealClock{}
	engine := &ingest.Engine{
		Store:  store,
		Scorer: ingest.NewHTTPScoreClient(cfg.ScoreServiceURL),
		Clock:  clock,
	}
	checker := ntp.NewChecker(clock)

	handler := &api.IngestAPI{Engine: engine, NTP: checker}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler.Router()}

	slog.Info("ingestion service starting", "node", cfg.NodeID, "port", cfg.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checker.Run(ctx)
		return ctx.Err()
	})
	g.Go(func() error { return serveHTTP(ctx, srv) })
	return g.Wait()
}
