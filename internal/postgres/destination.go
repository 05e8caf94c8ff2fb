// Package postgres implements the analytical SQL sink: events are staged in
// an in-memory DuckDB session, shaped by per-sync filter and transform SQL,
// and upserted into a remote Postgres target through DuckDB's attached
// postgres catalog.
package postgres

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/cdc"
	"github.com/dwickyfp/rosetta/internal/config"
	"github.com/dwickyfp/rosetta/internal/wib"
)

// column pairs a source column with the Postgres-castable type used when
// pushing DuckDB TEXT staging data back into the target.
type column struct {
	name   string
	pgType string
}

// Destination stages CDC batches in DuckDB and applies them to a remote
// Postgres target with primary-key-aware delete-then-insert upserts.
type Destination struct {
	name        string
	cfg         *config.PostgresConfig
	controlPool *pgxpool.Pool
	sourcePool  *pgxpool.Pool
	pipelineID  int32
	destID      int32
	sourceID    int32
	logger      zerolog.Logger

	mu         sync.Mutex
	tableNames map[cdc.TableId]string
	tableCols  map[cdc.TableId][]column
	pkCols     map[cdc.TableId][]string
}

type syncConfig struct {
	id          int32
	customSQL   string
	filterSQL   string
	targetTable string
}

// tableData is one (relation, sync rule) unit of work against the DuckDB
// session.
type tableData struct {
	sync         syncConfig
	tableName    string // qualified source name, e.g. "public.users"
	schemaName   string // target schema
	shortTarget  string // target table without schema
	columns      []column
	pkColumns    []string
	upsertRows   [][]*string
	deleteRows   [][]*string
}

// NewDestination builds an analytical sink for one pipelines_destination row.
func NewDestination(name string, cfg *config.PostgresConfig, controlPool, sourcePool *pgxpool.Pool, pipelineID, destID, sourceID int32, logger zerolog.Logger) *Destination {
	return &Destination{
		name:        name,
		cfg:         cfg,
		controlPool: controlPool,
		sourcePool:  sourcePool,
		pipelineID:  pipelineID,
		destID:      destID,
		sourceID:    sourceID,
		logger:      logger.With().Str("component", "postgres-destination").Int32("dest", destID).Logger(),
		tableNames:  make(map[cdc.TableId]string),
		tableCols:   make(map[cdc.TableId][]column),
		pkCols:      make(map[cdc.TableId][]string),
	}
}

// sanitizeIdentifier lowercases a name and folds everything outside
// [a-z0-9_] to underscores so it is safe inside an ATTACH alias.
func sanitizeIdentifier(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (d *Destination) catalogAlias() string {
	return "pg_" + sanitizeIdentifier(d.name)
}

// openDuck opens an in-memory DuckDB session with the postgres catalog
// attached to the remote target.
func (d *Destination) openDuck(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if _, err := db.ExecContext(ctx, "INSTALL postgres; LOAD postgres;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("load postgres extension: %w", err)
	}

	dsn := fmt.Sprintf("dbname=%s user=%s host=%s port=%d password=%s",
		d.cfg.Database, d.cfg.Username, d.cfg.Host, d.cfg.Port, d.cfg.Password)
	attach := fmt.Sprintf("ATTACH '%s' AS %s (TYPE POSTGRES);", dsn, d.catalogAlias())
	if _, err := db.ExecContext(ctx, attach); err != nil {
		db.Close()
		return nil, fmt.Errorf("attach postgres catalog: %w", err)
	}
	return db, nil
}

// resolveTableName maps a relation OID to its qualified source name. Caller
// must hold d.mu.
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

// resolveColumns returns (name, castable type) pairs for a relation in
// ordinal order. Caller must hold d.mu.
func (d *Destination) resolveColumns(ctx context.Context, table cdc.TableId) []column {
	if cols, ok := d.tableCols[table]; ok {
		return cols
	}
	rows, err := d.sourcePool.Query(ctx, `
		SELECT column_name, udt_name, data_type
		FROM information_schema.columns
		WHERE table_schema = (SELECT nspname FROM pg_namespace WHERE oid = (SELECT relnamespace FROM pg_class WHERE oid = $1))
		  AND table_name = (SELECT relname FROM pg_class WHERE oid = $1)
		ORDER BY ordinal_position`, uint32(table))
	if err != nil {
		d.logger.Warn().Err(err).Uint32("table_id", uint32(table)).Msg("failed to resolve columns")
		return nil
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var name, udt, dtype string
		if err := rows.Scan(&name, &udt, &dtype); err != nil {
			d.logger.Warn().Err(err).Msg("scan column")
			return nil
		}
		cols = append(cols, column{name: name, pgType: castableType(udt, dtype)})
	}
	d.tableCols[table] = cols
	return cols
}

// castableType maps a Postgres udt to a type both DuckDB and the attached
// catalog translate cleanly.
func castableType(udt, dataType string) string {
	if dataType == "ARRAY" {
		inner := strings.TrimPrefix(udt, "_")
		switch inner {
		case "int2", "int4":
			return "INTEGER[]"
		case "int8":
			return "BIGINT[]"
		case "float4", "float8":
			return "DOUBLE[]"
		case "bool":
			return "BOOLEAN[]"
		case "text", "varchar", "bpchar", "char":
			return "VARCHAR[]"
		case "json", "jsonb":
			return "JSON[]"
		case "uuid":
			return "UUID[]"
		default:
			return strings.ToUpper(inner) + "[]"
		}
	}
	switch udt {
	case "jsonb", "json":
		return "JSON"
	case "uuid":
		return "UUID"
	case "timestamptz", "timestamp":
		return "TIMESTAMPTZ"
	case "geography", "geometry", "box2d", "box3d":
		// Spatial types travel as WKT strings.
		return "VARCHAR"
	case "int2", "int4":
		return "INTEGER"
	case "int8":
		return "BIGINT"
	case "float4":
		return "FLOAT"
	case "float8":
		return "DOUBLE"
	case "bool":
		return "BOOLEAN"
	default:
		return udt
	}
}

// resolvePrimaryKeys returns the relation's PK columns in index order.
// Caller must hold d.mu.
func (d *Destination) resolvePrimaryKeys(ctx context.Context, table cdc.TableId) []string {
	if pks, ok := d.pkCols[table]; ok {
		return pks
	}
	rows, err := d.sourcePool.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1 AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`, uint32(table))
	if err != nil {
		d.logger.Warn().Err(err).Uint32("table_id", uint32(table)).Msg("failed to resolve primary keys")
		return nil
	}
	defer rows.Close()

	var pks []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil
		}
		pks = append(pks, name)
	}
	d.pkCols[table] = pks
	return pks
}

func (d *Destination) syncConfigs(ctx context.Context, sourceTable string) ([]syncConfig, error) {
	rows, err := d.controlPool.Query(ctx, `
		SELECT id, custom_sql, filter_sql, table_name_target
		FROM pipelines_destination_table_sync
		WHERE pipeline_destination_id = $1 AND table_name = $2`,
		d.destID, sourceTable)
	if err != nil {
		return nil, fmt.Errorf("fetch sync configs: %w", err)
	}
	defer rows.Close()

	var configs []syncConfig
	for rows.Next() {
		var c syncConfig
		var customSQL, filterSQL *string
		if err := rows.Scan(&c.id, &customSQL, &filterSQL, &c.targetTable); err != nil {
			return nil, fmt.Errorf("scan sync config: %w", err)
		}
		if customSQL != nil {
			c.customSQL = *customSQL
		}
		if filterSQL != nil {
			c.filterSQL = *filterSQL
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// cellToString renders a cell in the canonical text form the staging table
// holds. Nil means SQL NULL. Arrays use the Postgres literal form; they are
// re-wrapped to DuckDB list syntax by rowToParams when the column is a list.
func cellToString(c cdc.Cell) *string {
	var s string
	switch c.Kind {
	case cdc.KindNull:
		return nil
	case cdc.KindBool:
		s = fmt.Sprintf("%t", c.Bool)
	case cdc.KindI16:
		s = fmt.Sprintf("%d", c.I16)
	case cdc.KindI32:
		s = fmt.Sprintf("%d", c.I32)
	case cdc.KindI64:
		s = fmt.Sprintf("%d", c.I64)
	case cdc.KindF32:
		s = fmt.Sprintf("%v", c.F32)
	case cdc.KindF64:
		s = fmt.Sprintf("%v", c.F64)
	case cdc.KindBytes:
		s = `\x` + hex.EncodeToString(c.Bytes)
	case cdc.KindString:
		s = c.Str
	case cdc.KindJSON:
		s = string(c.JSON)
	case cdc.KindNumeric:
		s = c.Numeric.String()
	case cdc.KindUUID:
		s = c.UUID.String()
	case cdc.KindDate:
		s = c.Timeval.Format("2006-01-02")
	case cdc.KindTime:
		s = c.Timeval.Format("15:04:05.999999")
	case cdc.KindTimestamp:
		s = c.Timeval.Format("2006-01-02 15:04:05.999999")
	case cdc.KindTimestampTz:
		s = c.Timeval.Format(time.RFC3339Nano)
	case cdc.KindArray:
		elems := make([]string, len(c.Array.Values))
		for i, el := range c.Array.Values {
			v := cellToString(el)
			if v == nil {
				elems[i] = "NULL"
			} else if c.Array.Elem == cdc.KindString {
				elems[i] = `"` + strings.ReplaceAll(*v, `"`, `\"`) + `"`
			} else {
				elems[i] = *v
			}
		}
		s = "{" + strings.Join(elems, ",") + "}"
	default:
		return nil
	}
	return &s
}

// rowToParams converts a row to staging parameters, rewrapping Postgres
// array literals into DuckDB list syntax for list-typed columns.
func rowToParams(row *cdc.TableRow, columns []column) []*string {
	params := make([]*string, len(columns))
	for i := range columns {
		if i >= len(row.Values) {
			break
		}
		s := cellToString(row.Values[i])
		if s != nil && strings.HasSuffix(columns[i].pgType, "[]") &&
			strings.HasPrefix(*s, "{") && strings.HasSuffix(*s, "}") {
			wrapped := "[" + (*s)[1:len(*s)-1] + "]"
			s = &wrapped
		}
		params[i] = s
	}
	return params
}

// splitTarget derives the target schema and short table name. A target
// without a schema inherits the source table's schema.
func splitTarget(target, sourceTable string) (schema, short string) {
	if idx := strings.IndexByte(target, '.'); idx >= 0 {
		return target[:idx], target[idx+1:]
	}
	schema = "public"
	if idx := strings.IndexByte(sourceTable, '.'); idx >= 0 {
		schema = sourceTable[:idx]
	}
	return schema, target
}

// WriteEvents implements destination.Destination.
func (d *Destination) WriteEvents(ctx context.Context, events []cdc.Event) error {
	if len(events) == 0 {
		return nil
	}

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

	// Resolve metadata and pre-encode rows before touching DuckDB.
	var work []tableData
	for _, table := range order {
		tableName := d.resolveTableName(ctx, table)
		columns := d.resolveColumns(ctx, table)
		if len(columns) == 0 {
			d.logger.Warn().Str("table", tableName).Msg("no columns resolved, skipping batch")
			continue
		}

		configs, err := d.syncConfigs(ctx, tableName)
		if err != nil {
			return err
		}
		if len(configs) == 0 {
			d.logger.Debug().Str("table", tableName).Msg("no sync config, skipping")
			continue
		}

		pkColumns := d.resolvePrimaryKeys(ctx, table)

		var upserts, deletes [][]*string
		for _, ev := range grouped[table] {
			switch ev.Type {
			case cdc.EventInsert, cdc.EventUpdate:
				if ev.Row != nil {
					upserts = append(upserts, rowToParams(ev.Row, columns))
				}
			case cdc.EventDelete:
				if ev.OldRow != nil {
					deletes = append(deletes, rowToParams(ev.OldRow, columns))
				} else {
					d.logger.Warn().Str("table", tableName).Msg("delete without old row, skipping")
				}
			}
		}

		for _, cfg := range configs {
			schema, short := splitTarget(cfg.targetTable, tableName)
			work = append(work, tableData{
				sync:        cfg,
				tableName:   tableName,
				schemaName:  schema,
				shortTarget: short,
				columns:     columns,
				pkColumns:   pkColumns,
				upsertRows:  upserts,
				deleteRows:  deletes,
			})
		}
	}

	if len(work) == 0 {
		return nil
	}

	db, err := d.openDuck(ctx)
	if err != nil {
		return fmt.Errorf("duckdb init: %w", err)
	}
	defer db.Close()

	for _, data := range work {
		err := d.applySync(ctx, db, data)
		if err == nil {
			d.recordMonitoring(ctx, data)
		}
		d.stampSyncStatus(ctx, data.sync.id, data.tableName, err)
	}

	return nil
}

// applySync runs one (relation, sync rule) unit against the DuckDB session.
func (d *Destination) applySync(ctx context.Context, db *sql.DB, data tableData) error {
	// Stage the batch with an all-TEXT schema; casts happen on the way out.
	colDefs := make([]string, len(data.columns))
	for i, c := range data.columns {
		colDefs[i] = fmt.Sprintf("%q TEXT", c.name)
	}
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("CREATE OR REPLACE TABLE duckdb_updates (%s);", strings.Join(colDefs, ", "))); err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}

	d.logger.Info().
		Str("table", data.tableName).
		Int("upserts", len(data.upsertRows)).
		Int("deletes", len(data.deleteRows)).
		Strs("pk", data.pkColumns).
		Msg("processing sync")

	if len(data.upsertRows) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(data.columns)), ", ")
		stmt, err := db.PrepareContext(ctx,
			fmt.Sprintf("INSERT INTO duckdb_updates VALUES (%s)", placeholders))
		if err != nil {
			return fmt.Errorf("prepare staging insert: %w", err)
		}
		for _, row := range data.upsertRows {
			args := make([]any, len(row))
			for i, v := range row {
				if v != nil {
					args[i] = *v
				}
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				d.logger.Warn().Err(err).Msg("staging insert row failed")
			}
		}
		stmt.Close()
	}

	// Filter into a working table named after the source relation.
	filter := strings.TrimSpace(data.sync.filterSQL)
	filter = strings.TrimRight(filter, ";")
	if filter == "" {
		filter = "TRUE"
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"CREATE OR REPLACE TABLE %q AS SELECT * FROM duckdb_updates WHERE %s;",
		data.tableName, filter)); err != nil {
		return fmt.Errorf("apply filter: %w", err)
	}

	// Transform: a SELECT replaces the working table, anything else runs
	// verbatim as DDL.
	if custom := strings.TrimSpace(data.sync.customSQL); custom != "" {
		custom = strings.TrimSuffix(custom, ";")
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(custom)), "SELECT") {
			if _, err := db.ExecContext(ctx, fmt.Sprintf(
				"CREATE OR REPLACE TABLE %q AS %s;", data.tableName, custom)); err != nil {
				return fmt.Errorf("apply transform: %w", err)
			}
		} else {
			if _, err := db.ExecContext(ctx, custom); err != nil {
				return fmt.Errorf("apply transform DDL: %w", err)
			}
		}
	}

	resultCols, err := d.describeColumns(ctx, db, data.tableName)
	if err != nil || len(resultCols) == 0 {
		resultCols = data.columns
	}

	if err := d.upsertResult(ctx, db, data, resultCols); err != nil {
		return err
	}

	if len(data.deleteRows) > 0 && len(data.pkColumns) > 0 {
		if err := d.applyDeletes(ctx, db, data); err != nil {
			d.logger.Warn().Err(err).Str("table", data.tableName).Msg("delete application failed")
		}
	} else if len(data.deleteRows) > 0 {
		d.logger.Warn().Str("table", data.tableName).Msg("deletes ignored: no primary key")
	}

	return nil
}

// describeColumns introspects the working table after filter and transform.
func (d *Destination) describeColumns(ctx context.Context, db *sql.DB, tableName string) ([]column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("DESCRIBE %q", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []column
	for rows.Next() {
		// DESCRIBE returns more columns than we need; scan the first two and
		// discard the rest.
		var name, ctype string
		var null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &ctype, &null, &key, &def, &extra); err != nil {
			return nil, err
		}
		out = append(out, column{name: name, pgType: ctype})
	}
	return out, rows.Err()
}

// sourceType finds the original Postgres type for a result column so the
// TEXT staging value casts back cleanly.
func sourceType(columns []column, name, fallback string) string {
	for _, c := range columns {
		if c.name == name {
			return c.pgType
		}
	}
	return fallback
}

// upsertResult pushes the working table into the remote target. With usable
// primary keys it deletes matching rows first; MERGE is avoided because the
// attached catalog strips type casts when translating it.
func (d *Destination) upsertResult(ctx context.Context, db *sql.DB, data tableData, resultCols []column) error {
	colList := make([]string, len(resultCols))
	selectList := make([]string, len(resultCols))
	for i, c := range resultCols {
		colList[i] = fmt.Sprintf("%q", c.name)
		selectList[i] = fmt.Sprintf("%q::%s", c.name, sourceType(data.columns, c.name, "VARCHAR"))
	}

	target := fmt.Sprintf("%s.%s.%q", d.catalogAlias(), data.schemaName, data.shortTarget)
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %q;",
		target, strings.Join(colList, ", "), strings.Join(selectList, ", "), data.tableName)

	var availablePKs []string
	for _, pk := range data.pkColumns {
		for _, c := range resultCols {
			if c.name == pk {
				availablePKs = append(availablePKs, pk)
				break
			}
		}
	}

	if len(availablePKs) == 0 {
		if len(data.pkColumns) > 0 {
			d.logger.Warn().Str("table", data.tableName).Msg("primary keys missing from result, insert only")
		} else {
			d.logger.Warn().Str("table", data.tableName).Msg("no primary key, insert only")
		}
		if _, err := db.ExecContext(ctx, insertSQL); err != nil {
			return fmt.Errorf("insert into target: %w", err)
		}
		return nil
	}

	pkList := make([]string, len(availablePKs))
	pkCasts := make([]string, len(availablePKs))
	for i, pk := range availablePKs {
		pkList[i] = fmt.Sprintf("%q", pk)
		pkCasts[i] = fmt.Sprintf("%q::%s", pk, sourceType(data.columns, pk, "BIGINT"))
	}

	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (SELECT %s FROM %q);",
		target, strings.Join(pkList, ", "), strings.Join(pkCasts, ", "), data.tableName)
	if _, err := db.ExecContext(ctx, deleteSQL); err != nil {
		return fmt.Errorf("delete matching rows: %w", err)
	}
	if _, err := db.ExecContext(ctx, insertSQL); err != nil {
		return fmt.Errorf("insert into target: %w", err)
	}
	return nil
}

// applyDeletes stages delete-event primary keys in a dedicated table and
// removes the matching target rows.
func (d *Destination) applyDeletes(ctx context.Context, db *sql.DB, data tableData) error {
	deleteTable := data.tableName + "_deletes"

	pkDefs := make([]string, len(data.pkColumns))
	for i, pk := range data.pkColumns {
		pkDefs[i] = fmt.Sprintf("%q TEXT", pk)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"CREATE OR REPLACE TABLE %q (%s);", deleteTable, strings.Join(pkDefs, ", "))); err != nil {
		return fmt.Errorf("create delete staging: %w", err)
	}

	pkIndices := make([]int, 0, len(data.pkColumns))
	for _, pk := range data.pkColumns {
		for i, c := range data.columns {
			if c.name == pk {
				pkIndices = append(pkIndices, i)
				break
			}
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(data.pkColumns)), ", ")
	stmt, err := db.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %q VALUES (%s)", deleteTable, placeholders))
	if err != nil {
		return fmt.Errorf("prepare delete staging insert: %w", err)
	}
	for _, row := range data.deleteRows {
		args := make([]any, 0, len(pkIndices))
		for _, idx := range pkIndices {
			if idx < len(row) && row[idx] != nil {
				args = append(args, *row[idx])
			} else {
				args = append(args, nil)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			d.logger.Warn().Err(err).Msg("delete staging row failed")
		}
	}
	stmt.Close()

	pkList := make([]string, len(data.pkColumns))
	pkCasts := make([]string, len(data.pkColumns))
	for i, pk := range data.pkColumns {
		pkList[i] = fmt.Sprintf("%q", pk)
		pkCasts[i] = fmt.Sprintf("%q::%s", pk, sourceType(data.columns, pk, "BIGINT"))
	}
	target := fmt.Sprintf("%s.%s.%q", d.catalogAlias(), data.schemaName, data.shortTarget)
	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (SELECT %s FROM %q);",
		target, strings.Join(pkList, ", "), strings.Join(pkCasts, ", "), deleteTable)

	d.logger.Info().Int("rows", len(data.deleteRows)).Str("table", data.tableName).Msg("applying deletes")
	if _, err := db.ExecContext(ctx, deleteSQL); err != nil {
		return fmt.Errorf("delete from target: %w", err)
	}
	return nil
}

func (d *Destination) recordMonitoring(ctx context.Context, data tableData) {
	now := wib.Now()
	count := len(data.upsertRows) + len(data.deleteRows)
	_, err := d.controlPool.Exec(ctx, `
		INSERT INTO data_flow_record_monitoring
			(pipeline_id, pipeline_destination_id, source_id, table_name, record_count, created_at, updated_at, pipeline_destination_table_sync_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.pipelineID, d.destID, d.sourceID, data.tableName, count, now, now, data.sync.id)
	if err != nil {
		d.logger.Err(err).Str("table", data.tableName).Msg("failed to insert monitoring record")
	}
}

// stampSyncStatus records the outcome of one sync application on its control
// row. Deterministic failures stay visible there instead of looping through
// the DLQ.
func (d *Destination) stampSyncStatus(ctx context.Context, syncID int32, tableName string, applyErr error) {
	if applyErr == nil {
		_, err := d.controlPool.Exec(ctx, `
			UPDATE pipelines_destination_table_sync
			SET is_error = false, error_message = NULL, updated_at = NOW()
			WHERE id = $1`, syncID)
		if err != nil {
			d.logger.Err(err).Msg("failed to clear sync status")
		}
		return
	}

	d.logger.Error().Err(applyErr).Str("table", tableName).Msg("sync application failed")
	_, err := d.controlPool.Exec(ctx, `
		UPDATE pipelines_destination_table_sync
		SET is_error = true, error_message = $2, updated_at = NOW()
		WHERE id = $1`, syncID, applyErr.Error())
	if err != nil {
		d.logger.Err(err).Msg("failed to stamp sync error")
	}
}

// WriteTableRows stages full-row copies as inserts.
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

// TruncateTable is a schema-time concern the analytical sink does not act on.
func (d *Destination) TruncateTable(ctx context.Context, table cdc.TableId) error {
	return nil
}

// CheckConnection opens the in-memory engine and performs the attach;
// success implies the target DSN is reachable.
func (d *Destination) CheckConnection(ctx context.Context) error {
	db, err := d.openDuck(ctx)
	if err != nil {
		return fmt.Errorf("connection check failed: %w", err)
	}
	return db.Close()
}
