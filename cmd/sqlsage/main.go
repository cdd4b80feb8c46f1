package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nicodishanthj/sqlsage/internal/agent"
	"github.com/nicodishanthj/sqlsage/internal/api"
	"github.com/nicodishanthj/sqlsage/internal/checkpoint"
	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/database"
	"github.com/nicodishanthj/sqlsage/internal/llm"
	"github.com/nicodishanthj/sqlsage/internal/retriever"
	"github.com/nicodishanthj/sqlsage/internal/schema"
	"github.com/nicodishanthj/sqlsage/internal/vector"
)

func main() {
	logger := common.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		logger.Warn("sqlsage: .env file not loaded", "error", err)
	} else {
		logger.Info("sqlsage: environment loaded from .env")
	}

	addr := flag.String("addr", ":8082", "listen address")
	namespace := flag.String("namespace", envOr("SCHEMA_NAMESPACE", "default"), "schema namespace tracked by the synchronizer")
	syncInterval := flag.String("sync-interval", envOr("SCHEMA_SYNC_INTERVAL", ""), "interval between reconciliation scans (e.g. 10m); empty disables polling")
	syncDebounce := flag.String("sync-debounce", envOr("SCHEMA_SYNC_DEBOUNCE", "3s"), "debounce window for DDL notifications")
	listen := flag.Bool("listen-ddl", true, "subscribe to DDL notifications")
	flag.Parse()

	logger.Info("sqlsage: startup initiated", "addr", *addr, "namespace", *namespace)

	dbCfg, err := database.LoadConfig()
	if err != nil {
		fatal(logger, "database config", err)
	}
	db, err := database.Open(ctx, dbCfg)
	if err != nil {
		fatal(logger, "database open", err)
	}
	defer db.Close()

	vectorClient, err := vector.NewFromEnv(ctx)
	if err != nil {
		fatal(logger, "vector client", err)
	}
	defer vectorClient.Close()
	if vectorClient.Available() {
		logger.Info("sqlsage: qdrant available", "collection", vectorClient.Collection())
	} else {
		logger.Warn("sqlsage: qdrant unreachable", "collection", vectorClient.Collection())
	}

	provider := llm.NewProvider()
	logger.Info("sqlsage: llm provider ready", "provider", provider.Name())

	search := retriever.New(provider, vectorClient)

	snapshots, err := schema.NewSnapshotStore(ctx, db)
	if err != nil {
		fatal(logger, "snapshot store", err)
	}
	scanner := schema.NewScanner(db, nil, nil)
	synchronizer := schema.NewSynchronizer(scanner, snapshots, vectorClient, provider, *namespace)
	synchronizer.OnSync(search.InvalidateCache)

	if _, err := synchronizer.Sync(ctx, false); err != nil {
		logger.Warn("sqlsage: startup schema sync failed, serving last-good index", "error", err)
	}

	if err := schema.EnsureTrigger(ctx, db); err != nil {
		logger.Warn("sqlsage: DDL trigger setup failed, relying on polling", "error", err)
	}

	if *listen {
		debounce, err := time.ParseDuration(strings.TrimSpace(*syncDebounce))
		if err != nil {
			fatal(logger, "sync debounce", err)
		}
		listener := schema.NewListener(dbCfg.DSN(), synchronizer, debounce)
		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("sqlsage: DDL listener stopped", "error", err)
			}
		}()
	}
	if trimmed := strings.TrimSpace(*syncInterval); trimmed != "" {
		interval, err := time.ParseDuration(trimmed)
		if err != nil {
			fatal(logger, "sync interval", err)
		}
		go synchronizer.Run(ctx, interval)
	}

	checkpoints, err := checkpoint.NewStore(ctx, db)
	if err != nil {
		fatal(logger, "checkpoint store", err)
	}
	defer checkpoints.Close()

	agentCfg, err := agent.LoadConfig()
	if err != nil {
		fatal(logger, "agent config", err)
	}
	executor := database.NewExecutor(db, dbCfg.QueryTimeout)
	engine := agent.NewEngine(provider, search, executor, checkpoints, agentCfg)

	server := api.NewServer(engine, synchronizer)

	logger.Info("sqlsage: server listening", "addr", *addr, "health", "/healthz")
	fmt.Printf("Serving on %s\n", *addr)
	if err := http.ListenAndServe(*addr, server); err != nil {
		logger.Error("sqlsage: server stopped", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func fatal(logger *slog.Logger, what string, err error) {
	logger.Error("sqlsage: startup failed", "component", what, "error", err)
	fmt.Println(what+" error:", err)
	os.Exit(1)
}
