// Package manager reconciles desired pipeline state declared in the control
// database against the replication tasks actually running in this process.
package manager

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/config"
	"github.com/dwickyfp/rosetta/internal/destination"
	"github.com/dwickyfp/rosetta/internal/dlq"
	"github.com/dwickyfp/rosetta/internal/pipeline"
	"github.com/dwickyfp/rosetta/internal/postgres"
	"github.com/dwickyfp/rosetta/internal/snowflake"
	"github.com/dwickyfp/rosetta/internal/wib"
)

//go:embed migrations.sql
var migrationsSQL string

const reconcileInterval = 5 * time.Second

// Pipeline status values in the control database.
const (
	StatusStart   = "START"
	StatusPause   = "PAUSE"
	StatusRefresh = "REFRESH"
)

// Runtime status values written to pipeline_metadata.
const (
	MetaRunning = "RUNNING"
	MetaPaused  = "PAUSED"
	MetaError   = "ERROR"
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the control-DB pool and the map of running pipeline tasks.
type Manager struct {
	pool     *pgxpool.Pool
	settings *config.Settings
	dlqStore *dlq.Store
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[int32]*task

	// destinations tracks the live DLQ wrappers per pipeline for status
	// reporting.
	destinations map[int32][]*dlq.DestinationWithDLQ
}

// New connects to the control database and prepares the manager.
func New(ctx context.Context, settings *config.Settings, dlqStore *dlq.Store, logger zerolog.Logger) (*Manager, error) {
	poolCfg, err := pgxpool.ParseConfig(settings.ConfigDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse control DB URL: %w", err)
	}
	poolCfg.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("control DB pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("control DB ping: %w", err)
	}

	return &Manager{
		pool:         pool,
		settings:     settings,
		dlqStore:     dlqStore,
		logger:       logger.With().Str("component", "manager").Logger(),
		running:      make(map[int32]*task),
		destinations: make(map[int32][]*dlq.DestinationWithDLQ),
	}, nil
}

// Pool exposes the control-DB pool for collaborators (monitor, status API).
func (m *Manager) Pool() *pgxpool.Pool {
	return m.pool
}

// RunMigrations executes the bundled schema statements one by one.
func (m *Manager) RunMigrations(ctx context.Context) error {
	m.logger.Info().Msg("running control database migrations")
	for _, stmt := range strings.Split(migrationsSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	m.logger.Info().Msg("migrations completed")
	return nil
}

// Run executes migrations and then reconciles every five seconds until the
// context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.RunMigrations(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		if err := m.syncPipelines(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Err(err).Msg("error syncing pipelines")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type pipelineRow struct {
	id       int32
	name     string
	status   string
	sourceID int32
}

func (m *Manager) syncPipelines(ctx context.Context) error {
	rows, err := m.pool.Query(ctx, "SELECT id, name, status, source_id FROM pipelines")
	if err != nil {
		return fmt.Errorf("fetch pipelines: %w", err)
	}
	var pipelines []pipelineRow
	for rows.Next() {
		var p pipelineRow
		if err := rows.Scan(&p.id, &p.name, &p.status, &p.sourceID); err != nil {
			rows.Close()
			return fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range pipelines {
		switch p.status {
		case StatusPause:
			if m.stopTask(p.id) {
				m.logger.Info().Int32("pipeline", p.id).Str("name", p.name).Msg("pausing pipeline")
				m.updateMetadata(ctx, p.id, MetaPaused, "")
			}

		case StatusStart:
			if m.isRunning(p.id) {
				continue
			}
			m.logger.Info().Int32("pipeline", p.id).Str("name", p.name).Msg("starting pipeline")
			if err := m.startPipeline(ctx, p); err != nil {
				m.logger.Err(err).Int32("pipeline", p.id).Msg("failed to start pipeline")
				m.updateMetadata(ctx, p.id, MetaError, err.Error())
				continue
			}
			m.updateMetadata(ctx, p.id, MetaRunning, "")
			m.updateLastStart(ctx, p.id)

		case StatusRefresh:
			m.logger.Info().Int32("pipeline", p.id).Str("name", p.name).Msg("refreshing pipeline")
			m.stopTask(p.id)
			if err := m.startPipeline(ctx, p); err != nil {
				m.logger.Err(err).Int32("pipeline", p.id).Msg("failed to restart pipeline")
				m.updateMetadata(ctx, p.id, MetaError, err.Error())
				continue
			}
			// Set the control row back to START so REFRESH is edge-triggered.
			m.setPipelineStatus(ctx, p.id, StatusStart)
			m.updateMetadata(ctx, p.id, MetaRunning, "")
			m.updateLastStart(ctx, p.id)
		}
	}

	return nil
}

func (m *Manager) isRunning(pipelineID int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[pipelineID]
	return ok
}

// stopTask cancels a running task and waits for it to exit. Returns whether
// a task was running.
func (m *Manager) stopTask(pipelineID int32) bool {
	m.mu.Lock()
	t, ok := m.running[pipelineID]
	if ok {
		delete(m.running, pipelineID)
		delete(m.destinations, pipelineID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

type sourceRow struct {
	host          string
	port          int32
	database      string
	username      string
	password      *string
	publication   string
	replicationID *string
}

func (m *Manager) startPipeline(ctx context.Context, p pipelineRow) error {
	var src sourceRow
	err := m.pool.QueryRow(ctx, `
		SELECT pg_host, pg_port, pg_database, pg_username, pg_password, publication_name, replication_id
		FROM sources WHERE id = $1`, p.sourceID).
		Scan(&src.host, &src.port, &src.database, &src.username, &src.password, &src.publication, &src.replicationID)
	if err != nil {
		return fmt.Errorf("fetch source %d: %w", p.sourceID, err)
	}

	sourceCfg := config.DatabaseConfig{
		Host:   src.host,
		Port:   uint16(src.port),
		User:   src.username,
		DBName: src.database,
	}
	if src.password != nil {
		sourceCfg.Password = *src.password
	}

	slotName := fmt.Sprintf("rosetta_%d", p.id)
	if src.replicationID != nil && *src.replicationID != "" {
		slotName = *src.replicationID
	}

	// Source pool for catalog lookups by the destinations.
	srcPoolCfg, err := pgxpool.ParseConfig(sourceCfg.DSN())
	if err != nil {
		return fmt.Errorf("parse source DSN: %w", err)
	}
	srcPoolCfg.MaxConns = 2
	sourcePool, err := pgxpool.NewWithConfig(ctx, srcPoolCfg)
	if err != nil {
		return fmt.Errorf("source pool: %w", err)
	}

	wrapped, err := m.buildDestinations(ctx, p, sourcePool)
	if err != nil {
		sourcePool.Close()
		return err
	}
	if len(wrapped) == 0 {
		sourcePool.Close()
		return fmt.Errorf("pipeline %d has no destinations", p.id)
	}

	var sink destination.Destination
	if len(wrapped) == 1 {
		sink = wrapped[0]
	} else {
		sink = dlq.NewMultiWithDLQ(wrapped, m.settings.SyncWorkers)
	}

	pl := pipeline.New(pipeline.Config{
		PipelineID:  p.id,
		Source:      sourceCfg,
		Publication: src.publication,
		SlotName:    slotName,
		Batch:       m.settings.Batch,
		Retry:       m.settings.TableRetry,
	}, sink, m.logger.With().Str("pipeline_name", p.name).Logger())

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, exists := m.running[p.id]; exists {
		m.mu.Unlock()
		cancel()
		sourcePool.Close()
		return fmt.Errorf("pipeline %d is already running", p.id)
	}
	m.running[p.id] = t
	m.destinations[p.id] = wrapped
	m.mu.Unlock()

	go func() {
		defer close(t.done)
		defer sourcePool.Close()

		err := pl.Run(taskCtx)

		m.mu.Lock()
		if m.running[p.id] == t {
			delete(m.running, p.id)
			delete(m.destinations, p.id)
		}
		m.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Err(err).Int32("pipeline", p.id).Msg("pipeline crashed")
			// Force PAUSE so the reconcile loop does not restart a pipeline
			// that will immediately crash again.
			bg := context.Background()
			m.updateMetadata(bg, p.id, MetaError, err.Error())
			m.setPipelineStatus(bg, p.id, StatusPause)
			return
		}
		m.logger.Info().Int32("pipeline", p.id).Msg("pipeline finished")
	}()

	return nil
}

func (m *Manager) buildDestinations(ctx context.Context, p pipelineRow, sourcePool *pgxpool.Pool) ([]*dlq.DestinationWithDLQ, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT pd.id, d.type, d.config, d.name
		FROM pipelines_destination pd
		JOIN destinations d ON d.id = pd.destination_id
		WHERE pd.pipeline_id = $1
		ORDER BY pd.id`, p.id)
	if err != nil {
		return nil, fmt.Errorf("fetch pipeline destinations: %w", err)
	}
	defer rows.Close()

	type destRow struct {
		id     int32
		dtype  string
		config []byte
		name   string
	}
	var destRows []destRow
	for rows.Next() {
		var d destRow
		if err := rows.Scan(&d.id, &d.dtype, &d.config, &d.name); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		destRows = append(destRows, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var wrapped []*dlq.DestinationWithDLQ
	for _, d := range destRows {
		var sink destination.Destination
		switch strings.ToUpper(d.dtype) {
		case "SNOWFLAKE":
			cfg, err := config.ParseSnowflakeConfig(d.config)
			if err != nil {
				return nil, fmt.Errorf("destination %d: %w", d.id, err)
			}
			sink, err = snowflake.NewDestination(cfg, m.pool, sourcePool, p.id, d.id, p.sourceID, m.logger)
			if err != nil {
				return nil, fmt.Errorf("destination %d: %w", d.id, err)
			}
		case "POSTGRES", "POSTGRESQL":
			cfg, err := config.ParsePostgresConfig(d.config)
			if err != nil {
				return nil, fmt.Errorf("destination %d: %w", d.id, err)
			}
			sink = postgres.NewDestination(d.name, cfg, m.pool, sourcePool, p.id, d.id, p.sourceID, m.logger)
		default:
			return nil, fmt.Errorf("destination %d: unsupported type %q", d.id, d.dtype)
		}

		w := dlq.NewDestinationWithDLQ(ctx, sink, d.id, m.dlqStore, m.pool, m.logger)
		if err := w.InitFromPersistence(ctx); err != nil {
			return nil, fmt.Errorf("destination %d: init from persistence: %w", d.id, err)
		}
		wrapped = append(wrapped, w)
	}
	return wrapped, nil
}

// DestinationStates reports the live DLQ wrappers per pipeline for the
// status surface.
func (m *Manager) DestinationStates() map[int32][]*dlq.DestinationWithDLQ {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int32][]*dlq.DestinationWithDLQ, len(m.destinations))
	for id, dests := range m.destinations {
		out[id] = append([]*dlq.DestinationWithDLQ(nil), dests...)
	}
	return out
}

func (m *Manager) updateMetadata(ctx context.Context, pipelineID int32, status, lastError string) {
	now := wib.Now()

	var errValue *string
	if lastError != "" {
		errValue = &lastError
	}

	var exists bool
	err := m.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pipeline_metadata WHERE pipeline_id = $1)", pipelineID).Scan(&exists)
	if err != nil {
		m.logger.Err(err).Int32("pipeline", pipelineID).Msg("check pipeline metadata")
		return
	}

	if exists {
		_, err = m.pool.Exec(ctx, `
			UPDATE pipeline_metadata
			SET status = $1, last_error = $2,
			    last_error_at = CASE WHEN $2::text IS NOT NULL THEN $3 ELSE last_error_at END,
			    updated_at = $3
			WHERE pipeline_id = $4`,
			status, errValue, now, pipelineID)
	} else {
		var errAt *time.Time
		if errValue != nil {
			errAt = &now
		}
		_, err = m.pool.Exec(ctx, `
			INSERT INTO pipeline_metadata (pipeline_id, status, last_error, last_error_at)
			VALUES ($1, $2, $3, $4)`,
			pipelineID, status, errValue, errAt)
	}
	if err != nil {
		m.logger.Err(err).Int32("pipeline", pipelineID).Msg("update pipeline metadata")
	}
}

func (m *Manager) updateLastStart(ctx context.Context, pipelineID int32) {
	_, err := m.pool.Exec(ctx,
		"UPDATE pipeline_metadata SET last_start_at = $1 WHERE pipeline_id = $2",
		wib.Now(), pipelineID)
	if err != nil {
		m.logger.Err(err).Int32("pipeline", pipelineID).Msg("update last start")
	}
}

func (m *Manager) setPipelineStatus(ctx context.Context, pipelineID int32, status string) {
	_, err := m.pool.Exec(ctx,
		"UPDATE pipelines SET status = $1 WHERE id = $2", status, pipelineID)
	if err != nil {
		m.logger.Err(err).Int32("pipeline", pipelineID).Msg("update pipeline status")
	}
}

// Close stops all running tasks and releases the pool.
func (m *Manager) Close() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.running))
	for id, t := range m.running {
		tasks = append(tasks, t)
		delete(m.running, id)
		delete(m.destinations, id)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
	m.pool.Close()
}
