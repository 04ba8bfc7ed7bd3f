package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/copydesk/internal/infra/telemetry"
	"github.com/coachpo/copydesk/internal/observability"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int32
}

var poolGauges = []poolGauge{
	{"copydesk.db.pool.connections", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
	{"copydesk.db.pool.idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
	{"copydesk.db.pool.acquired", "Connections currently acquired by callers", (*pgxpool.Stat).AcquiredConns},
	{"copydesk.db.pool.constructing", "Connections currently being constructed", (*pgxpool.Stat).ConstructingConns},
}

// ObservePoolMetrics registers observable gauges reporting pgx pool connection counts.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string, logger observability.Logger) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db.pool", normalized),
	)

	meter := otel.Meter("postgres.pool")
	for _, g := range poolGauges {
		read := g.read
		_, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		)
		if err != nil {
			observability.OrNop(logger).Warn("register pool gauge failed",
				observability.Field{Key: "gauge", Value: g.name},
				observability.Field{Key: "error", Value: err},
			)
			return
		}
	}
}
