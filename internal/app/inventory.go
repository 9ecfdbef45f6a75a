package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-wms/internal/catalog"
	"github.com/odyssey-erp/odyssey-wms/internal/inventory"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// InventoryStack is the wired ledger engine shared by the API and the worker.
type InventoryStack struct {
	Service    *inventory.Service
	Repository *inventory.Repository
}

// NewInventoryStack wires the ledger engine against Postgres with a
// redis-cached catalog lookup.
func NewInventoryStack(cfg *Config, logger *slog.Logger, pool *pgxpool.Pool, redisClient *redis.Client, registerer prometheus.Registerer) InventoryStack {
	repo := inventory.NewRepository(pool)
	lookup := catalog.NewLookup(
		catalog.NewRepository(pool),
		catalog.NewCache(redisClient, cfg.InventoryCatalogCacheTTL),
		logger,
	)
	service := inventory.NewService(inventory.Deps{
		Repo:    repo,
		Catalog: lookup,
		Audit:   shared.NewAuditLogger(pool),
		Mirror:  catalog.NewMirror(pool),
		Metrics: inventory.NewMetrics(registerer),
		Logger:  logger,
	}, inventory.ServiceConfig{
		StagingDefaultLimit: cfg.InventoryStagingDefaultLimit,
		StagingMaxLimit:     cfg.InventoryStagingMaxLimit,
		PreviewSize:         cfg.InventoryPreviewSize,
		LookupConcurrency:   cfg.InventoryLookupConcurrency,
	})
	return InventoryStack{Service: service, Repository: repo}
}
