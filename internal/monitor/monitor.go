// Package monitor samples host resource usage into the control database so
// operators can see what the hub itself is consuming.
package monitor

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const sampleInterval = 5 * time.Second

// Start launches the sampling loop in a goroutine. It exits when the context
// is cancelled.
func Start(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) {
	l := logger.With().Str("component", "monitor").Logger()
	go run(ctx, pool, l)
}

func run(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sample(ctx, pool, logger)
	}
}

func sample(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) {
	var cpuUsage float64
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		cpuUsage = percents[0]
	} else if err != nil {
		logger.Warn().Err(err).Msg("cpu sample failed")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("memory sample failed")
		return
	}
	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("swap sample failed")
		return
	}

	// Keep only the latest sample.
	if _, err := pool.Exec(ctx, "DELETE FROM system_metrics"); err != nil {
		logger.Warn().Err(err).Msg("truncate system metrics failed")
		return
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO system_metrics (cpu_usage, used_memory, total_memory, used_swap, total_swap)
		VALUES ($1, $2, $3, $4, $5)`,
		cpuUsage, int64(vm.Used), int64(vm.Total), int64(swap.Used), int64(swap.Total))
	if err != nil {
		logger.Warn().Err(err).Msg("insert system metrics failed")
	}
}
