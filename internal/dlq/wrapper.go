package dlq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/cdc"
	"github.com/dwickyfp/rosetta/internal/destination"
	"github.com/dwickyfp/rosetta/internal/wib"
)

// drainBatchSize bounds how many events a single drain write carries.
const drainBatchSize = 100

// ControlDB is the slice of the control database the wrapper needs to record
// destination health. *pgxpool.Pool satisfies it.
type ControlDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// DestinationWithDLQ wraps a sink with dead-letter failover. Connection
// errors divert batches to the durable queue and start a recovery task;
// everything else propagates to the pipeline.
type DestinationWithDLQ struct {
	inner  destination.Destination
	destID int32
	store  *Store
	pool   ControlDB
	retry  *RetryManager
	logger zerolog.Logger

	// baseCtx outlives individual write calls so the recovery task is not
	// torn down with the batch that triggered it.
	baseCtx context.Context

	isError atomic.Bool

	mu            sync.Mutex
	errorMessage  string
	pendingTables map[string]struct{}
}

// NewDestinationWithDLQ wraps a sink for one pipelines_destination row.
func NewDestinationWithDLQ(ctx context.Context, inner destination.Destination, destID int32, store *Store, pool ControlDB, logger zerolog.Logger) *DestinationWithDLQ {
	return &DestinationWithDLQ{
		inner:         inner,
		destID:        destID,
		store:         store,
		pool:          pool,
		retry:         NewRetryManager(),
		logger:        logger.With().Str("component", "dlq-wrapper").Int32("dest", destID).Logger(),
		baseCtx:       ctx,
		pendingTables: make(map[string]struct{}),
	}
}

// DestID returns the pipelines_destination row this wrapper serves.
func (w *DestinationWithDLQ) DestID() int32 { return w.destID }

// IsInError reports whether the destination is isolated.
func (w *DestinationWithDLQ) IsInError() bool { return w.isError.Load() }

// ErrorMessage returns the message recorded with the current error state.
func (w *DestinationWithDLQ) ErrorMessage() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errorMessage
}

// PendingTables returns a snapshot of tables with queued DLQ data.
func (w *DestinationWithDLQ) PendingTables() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	tables := make([]string, 0, len(w.pendingTables))
	for t := range w.pendingTables {
		tables = append(tables, t)
	}
	return tables
}

func (w *DestinationWithDLQ) setErrorState(ctx context.Context, message string) {
	w.isError.Store(true)
	w.mu.Lock()
	w.errorMessage = message
	w.mu.Unlock()

	if err := w.updateErrorInDB(ctx, true, message); err != nil {
		w.logger.Err(err).Msg("failed to update error state in control DB")
	}
	w.logger.Info().Str("error", message).Msg("destination entered error state")
}

func (w *DestinationWithDLQ) clearErrorState(ctx context.Context) {
	w.isError.Store(false)
	w.mu.Lock()
	w.errorMessage = ""
	w.mu.Unlock()
	w.retry.Reset()

	if err := w.updateErrorInDB(ctx, false, ""); err != nil {
		w.logger.Err(err).Msg("failed to clear error state in control DB")
	}
	w.logger.Info().Msg("destination recovered from error state")
}

func (w *DestinationWithDLQ) updateErrorInDB(ctx context.Context, isError bool, message string) error {
	if isError {
		_, err := w.pool.Exec(ctx,
			`UPDATE pipelines_destination
			 SET is_error = true, error_message = $1, last_error_at = $2
			 WHERE id = $3`,
			message, wib.Now(), w.destID)
		return err
	}
	_, err := w.pool.Exec(ctx,
		`UPDATE pipelines_destination
		 SET is_error = false, error_message = NULL
		 WHERE id = $1`,
		w.destID)
	return err
}

// InitFromPersistence restores error state from DLQ residue left by a
// previous process. A non-empty queue puts the destination in error without
// touching the control-DB error fields (whatever message is there is still
// accurate) and starts recovery; an empty queue clears the DB error field in
// case the process died before recovery could.
func (w *DestinationWithDLQ) InitFromPersistence(ctx context.Context) error {
	count := w.store.CountForDestination(w.destID)
	if count == 0 {
		return w.updateErrorInDB(ctx, false, "")
	}

	tables := w.store.PendingTables(w.destID)
	w.logger.Info().
		Int("events", count).
		Strs("tables", tables).
		Msg("found pending DLQ events from previous run, starting recovery")

	w.isError.Store(true)
	w.mu.Lock()
	for _, t := range tables {
		w.pendingTables[t] = struct{}{}
	}
	w.mu.Unlock()

	w.startRecovery()
	return nil
}

func (w *DestinationWithDLQ) pushToDLQ(table string, events []cdc.Event) error {
	if err := w.store.Push(w.destID, table, events); err != nil {
		return err
	}
	w.mu.Lock()
	w.pendingTables[table] = struct{}{}
	w.mu.Unlock()
	return nil
}

func (w *DestinationWithDLQ) startRecovery() {
	w.retry.SpawnRecovery(w.baseCtx, w.destID, w.logger,
		func(ctx context.Context) bool {
			return w.inner.CheckConnection(ctx) == nil
		},
		func() {
			ctx := w.baseCtx
			w.clearErrorState(ctx)
			if err := w.drainAll(ctx); err != nil {
				// The destination stays live for new events; the residue
				// waits for the next error/recovery cycle.
				w.logger.Err(err).Msg("DLQ drain failed after recovery")
			}
		})
}

func (w *DestinationWithDLQ) drainTable(ctx context.Context, table string) (int, error) {
	total := 0
	for {
		events, err := w.store.PopBatch(w.destID, table, drainBatchSize)
		if err != nil {
			return total, err
		}
		if len(events) == 0 {
			return total, nil
		}

		if err := w.inner.WriteEvents(ctx, events); err != nil {
			w.logger.Warn().Err(err).Str("table", table).Msg("drain write failed, pushing batch back")
			if pushErr := w.store.Push(w.destID, table, events); pushErr != nil {
				return total, fmt.Errorf("re-push after failed drain: %w", pushErr)
			}
			return total, fmt.Errorf("drain write: %w", err)
		}
		total += len(events)
	}
}

func (w *DestinationWithDLQ) drainAll(ctx context.Context) error {
	tables := w.PendingTables()
	total := 0
	for _, table := range tables {
		n, err := w.drainTable(ctx, table)
		total += n
		if err != nil {
			return err
		}
		w.mu.Lock()
		delete(w.pendingTables, table)
		w.mu.Unlock()
	}
	if total > 0 {
		w.logger.Info().Int("events", total).Msg("drained DLQ")
	}
	return nil
}

// extractTableName keys DLQ entries by the table of the batch's first event
// when that event is an Insert, Update or Delete. Any other first event (for
// example a Begin marker) puts the whole batch under "unknown"; later events
// are not inspected.
func extractTableName(events []cdc.Event) string {
	if len(events) > 0 && events[0].HasTable() {
		return events[0].Table.String()
	}
	return "unknown"
}

// WriteEvents implements destination.Destination with DLQ failover.
func (w *DestinationWithDLQ) WriteEvents(ctx context.Context, events []cdc.Event) error {
	if len(events) == 0 {
		return nil
	}

	table := extractTableName(events)

	if w.IsInError() {
		w.logger.Debug().
			Int("events", len(events)).
			Str("table", table).
			Msg("destination in error state, diverting to DLQ")
		if err := w.pushToDLQ(table, events); err != nil {
			return fmt.Errorf("DLQ push: %w", err)
		}
		w.startRecovery()
		return nil
	}

	err := w.inner.WriteEvents(ctx, events)
	if err == nil {
		return nil
	}

	if !IsConnectionError(err.Error()) {
		return err
	}

	w.logger.Warn().Err(err).Str("table", table).Msg("connection error, diverting batch to DLQ")
	w.setErrorState(ctx, err.Error())
	if pushErr := w.pushToDLQ(table, events); pushErr != nil {
		return fmt.Errorf("DLQ push: %w", pushErr)
	}
	w.startRecovery()

	// The batch is safely queued: report success so the pipeline advances.
	return nil
}

// WriteTableRows passes through; row copies are schema-time concerns that do
// not use the DLQ.
func (w *DestinationWithDLQ) WriteTableRows(ctx context.Context, table cdc.TableId, rows []cdc.TableRow) error {
	return w.inner.WriteTableRows(ctx, table, rows)
}

// TruncateTable passes through without DLQ handling.
func (w *DestinationWithDLQ) TruncateTable(ctx context.Context, table cdc.TableId) error {
	return w.inner.TruncateTable(ctx, table)
}

// CheckConnection probes the wrapped sink.
func (w *DestinationWithDLQ) CheckConnection(ctx context.Context) error {
	return w.inner.CheckConnection(ctx)
}

// Stop cancels a running recovery task.
func (w *DestinationWithDLQ) Stop() {
	w.retry.Stop()
}

// MultiWithDLQ fans a batch out to several wrapped destinations
// concurrently. Each destination fails (and recovers) independently; a slow
// or broken destination never backpressures its siblings. The first
// non-recoverable error is returned.
type MultiWithDLQ struct {
	dests   []*DestinationWithDLQ
	workers int
}

// NewMultiWithDLQ builds a fan-out over the given wrapped destinations with
// at most workers concurrent legs.
func NewMultiWithDLQ(dests []*DestinationWithDLQ, workers int) *MultiWithDLQ {
	if workers <= 0 {
		workers = len(dests)
	}
	return &MultiWithDLQ{dests: dests, workers: workers}
}

// Destinations exposes the wrapped destinations for status reporting.
func (m *MultiWithDLQ) Destinations() []*DestinationWithDLQ {
	return m.dests
}

// WriteEvents implements destination.Destination.
func (m *MultiWithDLQ) WriteEvents(ctx context.Context, events []cdc.Event) error {
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.workers)
	errs := make([]error, len(m.dests))
	for i, d := range m.dests {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = d.WriteEvents(ctx, events)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteTableRows delivers rows to every destination, stopping at the first error.
func (m *MultiWithDLQ) WriteTableRows(ctx context.Context, table cdc.TableId, rows []cdc.TableRow) error {
	for _, d := range m.dests {
		if err := d.WriteTableRows(ctx, table, rows); err != nil {
			return err
		}
	}
	return nil
}

// TruncateTable truncates on every destination, stopping at the first error.
func (m *MultiWithDLQ) TruncateTable(ctx context.Context, table cdc.TableId) error {
	for _, d := range m.dests {
		if err := d.TruncateTable(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// CheckConnection probes every destination.
func (m *MultiWithDLQ) CheckConnection(ctx context.Context) error {
	for _, d := range m.dests {
		if err := d.CheckConnection(ctx); err != nil {
			return err
		}
	}
	return nil
}
