// Command coordinator launches the Strata runtime entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/strata/config"
	"github.com/quantfold/strata/internal/backend"
	"github.com/quantfold/strata/internal/backend/wsbridge"
	"github.com/quantfold/strata/internal/coordinator"
	"github.com/quantfold/strata/internal/execution"
	"github.com/quantfold/strata/internal/lifecycle"
	"github.com/quantfold/strata/internal/observability"
	"github.com/quantfold/strata/internal/schema"
	"github.com/quantfold/strata/internal/store"
	"github.com/quantfold/strata/internal/store/migrations"
	pgstore "github.com/quantfold/strata/internal/store/postgres"
	"github.com/quantfold/strata/lib/telemetry"
)

const (
	loggerPrefix    = "strata "
	sweepInterval   = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "path to configuration file (default: config/strata.yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s store=%s backend=%s",
		cfg.Environment, cfg.Store.Driver, cfg.Backend.Mode)

	_, shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		Environment:    string(cfg.Environment),
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	st, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("initialise store: %v", err)
	}

	ob, closeBackend, err := buildBackend(cfg)
	if err != nil {
		logger.Fatalf("initialise backend: %v", err)
	}

	engine, err := execution.NewEngine(ob, st, execution.Config{
		FillTimeout:         cfg.Engine.FillTimeout,
		CompensationTimeout: cfg.Engine.CompensationTimeout,
	}, nil)
	if err != nil {
		logger.Fatalf("initialise engine: %v", err)
	}
	engine.Start(ctx)

	coord, err := coordinator.New(st, engine, ledgerReconciler{st: st}, nil, nil, coordinator.Config{
		Limits: coordinator.Limits{
			MaxOpenInstances: cfg.Coordinator.MaxOpenInstances,
			MaxLegQuantity:   cfg.Coordinator.MaxLegQuantity,
			EntryThrottle:    cfg.Coordinator.EntryThrottle,
			EntryBurst:       cfg.Coordinator.EntryBurst,
		},
		Lifecycle: lifecycle.Config{
			ErrorCeiling:    cfg.Lifecycle.ErrorCeiling,
			RecoveryTimeout: cfg.Lifecycle.RecoveryTimeout,
			RetentionWindow: cfg.Lifecycle.RetentionWindow,
		},
		RecoveryWorkers: cfg.Coordinator.RecoveryWorkers,
	})
	if err != nil {
		logger.Fatalf("initialise coordinator: %v", err)
	}

	if err := coord.Recover(ctx); err != nil {
		logger.Fatalf("restart recovery: %v", err)
	}
	logger.Printf("recovery complete: instances=%d", len(coord.Instances()))

	go sweepLoop(ctx, coord, logger)

	logger.Print("coordinator started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Printf("coordinator shutdown: %v", err)
	}
	if closeBackend != nil {
		closeBackend()
	}
	if closeStore != nil {
		closeStore()
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	logger.Print("shutdown completed")
}

func buildStore(ctx context.Context, cfg config.Config, logger *log.Logger) (store.Store, func(), error) {
	policy := store.RetryPolicy{
		InitialInterval: cfg.Store.Retry.InitialInterval,
		MaxInterval:     cfg.Store.Retry.MaxInterval,
		MaxElapsedTime:  cfg.Store.Retry.MaxElapsedTime,
	}

	switch cfg.Store.Driver {
	case "memory":
		return store.NewRetrying(store.NewMemoryStore(), policy), nil, nil
	case "postgres":
		if err := migrations.Apply(ctx, cfg.Store.DSN, cfg.Store.MigrationsDir, logger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres pool: %w", err)
		}
		return store.NewRetrying(pgstore.NewRecordStore(pool), policy), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildBackend(cfg config.Config) (backend.OrderBackend, func(), error) {
	switch cfg.Backend.Mode {
	case "sim":
		sim := backend.NewSim(nil)
		return sim, sim.Close, nil
	case "websocket":
		bridge, err := wsbridge.New(wsbridge.Config{URL: cfg.Backend.URL})
		if err != nil {
			return nil, nil, err
		}
		if err := bridge.Start(); err != nil {
			return nil, nil, err
		}
		return bridge, bridge.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}

func sweepLoop(ctx context.Context, coord *coordinator.Coordinator, logger *log.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			coord.Sweep(ctx, now)
			snapshot := coord.Metrics().Snapshot()
			logger.Printf("metrics: outcomes=%v transitions=%v resumes=%d",
				snapshot.GroupOutcomes, snapshot.Transitions, snapshot.RecoveryResumes)
		}
	}
}

// ledgerReconciler derives an instance's live per-symbol position from its
// own persisted groups: the sum of every filled quantity across legs and
// compensations. Abandoned groups are excluded; their orphan fills need an
// operator (or a real broker positions API) to sort out, and counting them
// here would block recovery forever.
type ledgerReconciler struct {
	st store.Store
}

func (r ledgerReconciler) LivePosition(ctx context.Context, ownerID string, symbols []string) (map[string]int64, error) {
	records, err := r.st.ListPrefix(ctx, store.OwnerGroupPrefix(ownerID))
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		wanted[symbol] = struct{}{}
	}

	live := make(map[string]int64, len(symbols))
	for _, record := range records {
		group, err := store.DecodeGroup(record)
		if err != nil {
			return nil, err
		}
		if group.Status == schema.GroupAbandoned {
			continue
		}
		for _, leg := range allLegs(group) {
			if len(wanted) > 0 {
				if _, ok := wanted[leg.Symbol]; !ok {
					continue
				}
			}
			live[leg.Symbol] += leg.FilledQty
		}
	}
	return live, nil
}

func allLegs(group schema.OrderGroup) []schema.OrderLeg {
	legs := make([]schema.OrderLeg, 0, len(group.Legs)+len(group.Compensations))
	legs = append(legs, group.Legs...)
	return append(legs, group.Compensations...)
}
