package cdc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

// relation caches the column layout announced by the upstream for one table.
type relation struct {
	id      TableId
	name    string
	columns []relationColumn
}

type relationColumn struct {
	name     string
	dataType uint32
}

// Decoder consumes WAL data via pglogrepl and emits Events on a channel.
type Decoder struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger

	slotName    string
	publication string
	startLSN    pglogrepl.LSN

	relations map[TableId]*relation

	mu             sync.Mutex
	confirmedLSN   pglogrepl.LSN
	serverWALEnd   pglogrepl.LSN
	lastStatusTime time.Time
	loopErr        error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDecoder creates a Decoder that will stream from the given replication
// connection.
func NewDecoder(conn *pgconn.PgConn, slotName, publication string, logger zerolog.Logger) *Decoder {
	return &Decoder{
		conn:        conn,
		logger:      logger.With().Str("component", "decoder").Logger(),
		slotName:    strings.ReplaceAll(slotName, "-", "_"),
		publication: publication,
		relations:   make(map[TableId]*relation),
		done:        make(chan struct{}),
	}
}

// EnsureSlot creates the replication slot if it does not already exist.
func (d *Decoder) EnsureSlot(ctx context.Context) error {
	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s LOGICAL pgoutput NOEXPORT_SNAPSHOT`, d.slotName)
	result, err := pglogrepl.ParseCreateReplicationSlot(d.conn.Exec(ctx, sql))
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "42710" {
			// Slot exists: stream resumes from its confirmed position.
			return nil
		}
		return fmt.Errorf("create replication slot: %w", err)
	}
	parsedLSN, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return fmt.Errorf("parse consistent point LSN: %w", err)
	}
	d.startLSN = parsedLSN
	d.logger.Info().
		Str("slot", d.slotName).
		Stringer("lsn", d.startLSN).
		Msg("created replication slot")
	return nil
}

// StartStreaming begins consuming WAL from the replication slot.
func (d *Decoder) StartStreaming(ctx context.Context) (<-chan Event, error) {
	err := pglogrepl.StartReplication(ctx, d.conn, d.slotName, d.startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", d.publication),
			},
		})
	if err != nil {
		return nil, fmt.Errorf("start replication: %w", err)
	}

	d.confirmedLSN = d.startLSN
	d.lastStatusTime = time.Now()

	ch := make(chan Event, 4096)
	ctx, d.cancel = context.WithCancel(ctx)
	go d.receiveLoop(ctx, ch)

	return ch, nil
}

func (d *Decoder) receiveLoop(ctx context.Context, ch chan<- Event) {
	defer close(ch)
	defer close(d.done)

	standbyInterval := 1 * time.Second
	recvTimeout := 2 * time.Second

	setErr := func(err error) {
		d.mu.Lock()
		d.loopErr = err
		d.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(d.lastStatusTime) >= standbyInterval {
			if err := d.sendStandbyStatus(ctx, d.effectiveLSN(ch)); err != nil {
				d.logger.Err(err).Msg("failed to send standby status")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := d.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if pgconn.Timeout(err) {
				continue
			}
			d.logger.Err(err).Msg("receive message failed")
			setErr(fmt.Errorf("receive message: %w", err))
			return
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			d.logger.Error().
				Str("severity", errResp.Severity).
				Str("code", errResp.Code).
				Str("message", errResp.Message).
				Msg("server error from replication stream")
			setErr(fmt.Errorf("server error: %s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code))
			return
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				d.logger.Err(err).Msg("parse keepalive")
				continue
			}
			d.mu.Lock()
			if pglogrepl.LSN(pkm.ServerWALEnd) > d.serverWALEnd {
				d.serverWALEnd = pglogrepl.LSN(pkm.ServerWALEnd)
			}
			d.mu.Unlock()

			if pkm.ReplyRequested {
				if err := d.sendStandbyStatus(ctx, d.effectiveLSN(ch)); err != nil {
					d.logger.Err(err).Msg("keepalive reply failed")
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				d.logger.Err(err).Msg("parse xlogdata")
				continue
			}

			d.mu.Lock()
			if pglogrepl.LSN(xld.ServerWALEnd) > d.serverWALEnd {
				d.serverWALEnd = pglogrepl.LSN(xld.ServerWALEnd)
			}
			d.mu.Unlock()

			d.decodeWALData(ctx, ch, xld)
		}
	}
}

func (d *Decoder) decodeWALData(ctx context.Context, ch chan<- Event, xld pglogrepl.XLogData) {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		d.logger.Err(err).Msg("parse WAL data")
		return
	}

	walLSN := pglogrepl.LSN(xld.WALStart)

	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		d.emit(ctx, ch, Event{Type: EventBegin, LSN: pglogrepl.LSN(msg.FinalLSN)})

	case *pglogrepl.CommitMessage:
		d.emit(ctx, ch, Event{Type: EventCommit, LSN: pglogrepl.LSN(msg.CommitLSN)})

	case *pglogrepl.RelationMessage:
		rel := &relation{
			id:      TableId(msg.RelationID),
			name:    msg.Namespace + "." + msg.RelationName,
			columns: make([]relationColumn, len(msg.Columns)),
		}
		for i, c := range msg.Columns {
			rel.columns[i] = relationColumn{name: c.Name, dataType: c.DataType}
		}
		d.relations[rel.id] = rel
		d.emit(ctx, ch, Event{Type: EventRelation, Table: rel.id, LSN: walLSN})

	case *pglogrepl.InsertMessage:
		rel := d.relations[TableId(msg.RelationID)]
		if rel == nil {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for insert")
			return
		}
		d.emit(ctx, ch, Event{
			Type:  EventInsert,
			Table: rel.id,
			Row:   d.decodeTuple(msg.Tuple, rel),
			LSN:   walLSN,
		})

	case *pglogrepl.UpdateMessage:
		rel := d.relations[TableId(msg.RelationID)]
		if rel == nil {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for update")
			return
		}
		ev := Event{
			Type:  EventUpdate,
			Table: rel.id,
			Row:   d.decodeTuple(msg.NewTuple, rel),
			LSN:   walLSN,
		}
		if msg.OldTuple != nil {
			ev.OldRow = d.decodeTuple(msg.OldTuple, rel)
		}
		d.emit(ctx, ch, ev)

	case *pglogrepl.DeleteMessage:
		rel := d.relations[TableId(msg.RelationID)]
		if rel == nil {
			d.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for delete")
			return
		}
		d.emit(ctx, ch, Event{
			Type:   EventDelete,
			Table:  rel.id,
			OldRow: d.decodeTuple(msg.OldTuple, rel),
			LSN:    walLSN,
		})

	default:
		d.emit(ctx, ch, Event{Type: EventUnsupported, LSN: walLSN})
	}
}

func (d *Decoder) decodeTuple(tuple *pglogrepl.TupleData, rel *relation) *TableRow {
	if tuple == nil {
		return nil
	}
	row := &TableRow{Values: make([]Cell, len(tuple.Columns))}
	for i, c := range tuple.Columns {
		var oid uint32
		if i < len(rel.columns) {
			oid = rel.columns[i].dataType
		}
		switch c.DataType {
		case 'n':
			row.Values[i] = NullCell()
		case 'u':
			// Unchanged TOAST value: upstream did not ship it.
			row.Values[i] = NullCell()
		default:
			row.Values[i] = ParseCell(oid, c.Data)
		}
	}
	return row
}

func (d *Decoder) emit(ctx context.Context, ch chan<- Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Channel is full. Send a standby heartbeat while waiting so the
		// source doesn't time us out due to backpressure stalls.
		if time.Since(d.lastStatusTime) >= 1*time.Second {
			d.mu.Lock()
			lsn := d.confirmedLSN
			d.mu.Unlock()
			if err := d.sendStandbyStatus(ctx, lsn); err != nil {
				d.logger.Err(err).Msg("emit backpressure: standby status failed")
			}
		}

		t := time.NewTimer(100 * time.Millisecond)
		select {
		case ch <- ev:
			t.Stop()
			return
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (d *Decoder) sendStandbyStatus(ctx context.Context, lsn pglogrepl.LSN) error {
	d.lastStatusTime = time.Now()
	return pglogrepl.SendStandbyStatusUpdate(ctx, d.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: lsn,
			WALFlushPosition: lsn,
			WALApplyPosition: lsn,
		})
}

// effectiveLSN returns the best LSN to report to the server. If the batcher
// channel is drained (we're caught up) and the server's WAL end is ahead of
// the last confirmed position, report the server's position so the slot
// doesn't fall behind during idle periods.
func (d *Decoder) effectiveLSN(ch chan<- Event) pglogrepl.LSN {
	d.mu.Lock()
	confirmed := d.confirmedLSN
	serverEnd := d.serverWALEnd
	d.mu.Unlock()

	if len(ch) == 0 && serverEnd > confirmed {
		return serverEnd
	}
	return confirmed
}

// Err returns the error that caused the receive loop to exit, if any.
// It is safe to call after the event channel has been closed.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loopErr
}

// ConfirmLSN advances the confirmed flush position for the replication slot.
func (d *Decoder) ConfirmLSN(lsn pglogrepl.LSN) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lsn > d.confirmedLSN {
		d.confirmedLSN = lsn
	}
}

// Close shuts down the decoder and waits for the receive loop to exit.
func (d *Decoder) Close() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}
