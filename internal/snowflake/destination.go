package snowflake

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/cdc"
	"github.com/dwickyfp/rosetta/internal/config"
	"github.com/dwickyfp/rosetta/internal/wib"
)

// Destination streams CDC events into Snowflake landing tables through the
// Snowpipe Streaming REST API. Each active sync rule for a source table fans
// the batch out to its own landing table and channel.
type Destination struct {
	cfg           *config.SnowflakeConfig
	client        *Client
	controlPool   *pgxpool.Pool
	sourcePool    *pgxpool.Pool
	pipelineID    int32
	destID        int32
	sourceID      int32
	channelSuffix string
	logger        zerolog.Logger

	// mu serialises client access and the token map so each channel's
	// continuation chain stays causal. Caches ride under the same lock.
	mu         sync.Mutex
	tokens     map[string]string // target table -> continuation token
	tableNames map[cdc.TableId]string
	tableCols  map[cdc.TableId][]string
}

type syncRule struct {
	id          int32
	targetTable string
}

// NewDestination builds a Snowflake sink for one pipelines_destination row.
func NewDestination(cfg *config.SnowflakeConfig, controlPool, sourcePool *pgxpool.Pool, pipelineID, destID, sourceID int32, logger zerolog.Logger) (*Destination, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Destination{
		cfg:           cfg,
		client:        client,
		controlPool:   controlPool,
		sourcePool:    sourcePool,
		pipelineID:    pipelineID,
		destID:        destID,
		sourceID:      sourceID,
		channelSuffix: fmt.Sprintf("PIPELINE_%d", pipelineID),
		logger:        logger.With().Str("component", "snowflake-destination").Int32("dest", destID).Logger(),
		tokens:        make(map[string]string),
		tableNames:    make(map[cdc.TableId]string),
		tableCols:     make(map[cdc.TableId][]string),
	}, nil
}

// resolveTableName maps a relation OID to its qualified source name via a
// regclass cast. The caller must hold d.mu.
func (d *Destination) resolveTableName(ctx context.Context, table cdc.TableId) string {
	if name, ok := d.tableNames[table]; ok {
		return name
	}
	var name string
	err := d.sourcePool.QueryRow(ctx, "SELECT cast($1::oid::regclass as text)", uint32(table)).Scan(&name)
	if err != nil {
		d.logger.Warn().Err(err).Uint32("table_id", uint32(table)).Msg("failed to resolve table name")
		name = fmt.Sprintf("unknown_table_%d", uint32(table))
	}
	d.tableNames[table] = name
	return name
}

// resolveColumns returns the ordered column names for a relation. The caller
// must hold d.mu.
func (d *Destination) resolveColumns(ctx context.Context, table cdc.TableId) []string {
	if cols, ok := d.tableCols[table]; ok {
		return cols
	}
	rows, err := d.sourcePool.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = (SELECT nspname FROM pg_namespace WHERE oid = (SELECT relnamespace FROM pg_class WHERE oid = $1))
		  AND table_name = (SELECT relname FROM pg_class WHERE oid = $1)
		ORDER BY ordinal_position`, uint32(table))
	if err != nil {
		d.logger.Warn().Err(err).Uint32("table_id", uint32(table)).Msg("failed to resolve columns")
		return nil
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			d.logger.Warn().Err(err).Msg("scan column name")
			return nil
		}
		cols = append(cols, name)
	}
	d.tableCols[table] = cols
	return cols
}

func (d *Destination) syncRules(ctx context.Context, sourceTable string) ([]syncRule, error) {
	rows, err := d.controlPool.Query(ctx, `
		SELECT id, table_name_target
		FROM pipelines_destination_table_sync
		WHERE pipeline_destination_id = $1 AND table_name = $2`,
		d.destID, sourceTable)
	if err != nil {
		return nil, fmt.Errorf("fetch sync rules: %w", err)
	}
	defer rows.Close()

	var rules []syncRule
	for rows.Next() {
		var r syncRule
		if err := rows.Scan(&r.id, &r.targetTable); err != nil {
			return nil, fmt.Errorf("scan sync rule: %w", err)
		}
		r.targetTable = normalizeTargetTable(r.targetTable)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// normalizeTargetTable uppercases the landing table and ensures the
// LANDING_ prefix.
func normalizeTargetTable(name string) string {
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "LANDING_") {
		upper = "LANDING_" + upper
	}
	return upper
}

// operationCode maps the event type to the landing OPERATION column.
func operationCode(t cdc.EventType) string {
	switch t {
	case cdc.EventInsert:
		return "C"
	case cdc.EventUpdate:
		return "U"
	default:
		return "D"
	}
}

// eventRecord builds the landing-row JSON for one event: source columns by
// position (uppercased) plus the synthetic OPERATION and
// SYNC_TIMESTAMP_ROSETTA columns. Deletes without an old row are dropped.
func eventRecord(ev cdc.Event, columns []string, syncTime time.Time) (json.RawMessage, bool) {
	row := ev.Row
	if ev.Type == cdc.EventDelete {
		row = ev.OldRow
	}
	if row == nil {
		return nil, false
	}

	record := make(map[string]any, len(columns)+2)
	for i, col := range columns {
		if i >= len(row.Values) {
			break
		}
		record[strings.ToUpper(col)] = cellToJSONValue(row.Values[i])
	}
	record["OPERATION"] = operationCode(ev.Type)
	record["SYNC_TIMESTAMP_ROSETTA"] = syncTime.Format(time.RFC3339)

	raw, err := json.Marshal(record)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func cellToJSONValue(c cdc.Cell) any {
	switch c.Kind {
	case cdc.KindNull:
		return nil
	case cdc.KindBool:
		return c.Bool
	case cdc.KindI16:
		return c.I16
	case cdc.KindI32:
		return c.I32
	case cdc.KindI64:
		return c.I64
	case cdc.KindF32:
		return c.F32
	case cdc.KindF64:
		return c.F64
	case cdc.KindBytes:
		return base64.StdEncoding.EncodeToString(c.Bytes)
	case cdc.KindString:
		return c.Str
	case cdc.KindJSON:
		return json.RawMessage(c.JSON)
	case cdc.KindNumeric:
		return c.Numeric.String()
	case cdc.KindUUID:
		return c.UUID.String()
	case cdc.KindDate:
		return c.Timeval.Format("2006-01-02")
	case cdc.KindTime:
		return c.Timeval.Format("15:04:05.999999")
	case cdc.KindTimestamp:
		return c.Timeval.Format("2006-01-02T15:04:05.999999")
	case cdc.KindTimestampTz:
		return c.Timeval.Format(time.RFC3339Nano)
	case cdc.KindArray:
		values := make([]any, len(c.Array.Values))
		for i, el := range c.Array.Values {
			values[i] = cellToJSONValue(el)
		}
		return values
	}
	return nil
}

// WriteEvents implements destination.Destination.
func (d *Destination) WriteEvents(ctx context.Context, events []cdc.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Group row-bearing events by relation, preserving order within each.
	grouped := make(map[cdc.TableId][]cdc.Event)
	var order []cdc.TableId
	for _, ev := range events {
		if !ev.HasTable() {
			continue
		}
		if _, seen := grouped[ev.Table]; !seen {
			order = append(order, ev.Table)
		}
		grouped[ev.Table] = append(grouped[ev.Table], ev)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	syncTime := wib.Now()

	for _, table := range order {
		tableEvents := grouped[table]
		sourceTable := d.resolveTableName(ctx, table)
		columns := d.resolveColumns(ctx, table)
		if len(columns) == 0 {
			d.logger.Warn().Str("table", sourceTable).Msg("no columns resolved, skipping batch")
			continue
		}

		rules, err := d.syncRules(ctx, sourceTable)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			d.logger.Debug().Str("table", sourceTable).Msg("no sync rules, skipping")
			continue
		}

		records := make([]json.RawMessage, 0, len(tableEvents))
		for _, ev := range tableEvents {
			if rec, ok := eventRecord(ev, columns, syncTime); ok {
				records = append(records, rec)
			}
		}
		if len(records) == 0 {
			continue
		}

		for _, rule := range rules {
			if err := d.writeToTarget(ctx, rule.targetTable, records); err != nil {
				return fmt.Errorf("write %s to %s: %w", sourceTable, rule.targetTable, err)
			}
			d.recordMonitoring(ctx, sourceTable, rule, len(records))
		}
	}

	return nil
}

// writeToTarget appends records to the target's channel, opening it first if
// this process has no continuation token yet. Caller must hold d.mu.
func (d *Destination) writeToTarget(ctx context.Context, targetTable string, records []json.RawMessage) error {
	token, ok := d.tokens[targetTable]
	if !ok || token == "" {
		opened, err := d.client.OpenChannel(ctx, targetTable, d.channelSuffix)
		if err != nil {
			return err
		}
		token = opened
	}

	next, err := d.client.InsertRows(ctx, targetTable, d.channelSuffix, records, token)
	if err != nil {
		// The chain may be broken; reopen on the next write.
		delete(d.tokens, targetTable)
		return err
	}
	d.tokens[targetTable] = next
	return nil
}

func (d *Destination) recordMonitoring(ctx context.Context, sourceTable string, rule syncRule, count int) {
	now := wib.Now()
	_, err := d.controlPool.Exec(ctx, `
		INSERT INTO data_flow_record_monitoring
			(pipeline_id, pipeline_destination_id, source_id, table_name, record_count, created_at, updated_at, pipeline_destination_table_sync_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.pipelineID, d.destID, d.sourceID, sourceTable, count, now, now, rule.id)
	if err != nil {
		d.logger.Err(err).Str("table", sourceTable).Msg("failed to insert monitoring record")
	}
}

// WriteTableRows streams full-row copies as insert events, so each landing
// row carries OPERATION "C".
func (d *Destination) WriteTableRows(ctx context.Context, table cdc.TableId, rows []cdc.TableRow) error {
	if len(rows) == 0 {
		return nil
	}
	events := make([]cdc.Event, len(rows))
	for i := range rows {
		events[i] = cdc.Event{Type: cdc.EventInsert, Table: table, Row: &rows[i]}
	}
	return d.WriteEvents(ctx, events)
}

// TruncateTable is ignored; landing tables are append-only.
func (d *Destination) TruncateTable(ctx context.Context, table cdc.TableId) error {
	d.logger.Info().Uint32("table_id", uint32(table)).Msg("truncate ignored (append-only landing)")
	return nil
}

// CheckConnection issues a harmless query against the control pool; the
// warehouse's own health is inferred from write outcomes.
func (d *Destination) CheckConnection(ctx context.Context) error {
	var one int
	if err := d.controlPool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("control pool check: %w", err)
	}
	return nil
}
