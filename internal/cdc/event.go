package cdc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/shopspring/decimal"
)

// TableId identifies a source relation by its Postgres OID.
type TableId uint32

// String returns the decimal form used in DLQ keys and log output.
func (t TableId) String() string {
	return fmt.Sprintf("%d", uint32(t))
}

// EventType identifies the kind of replication event.
type EventType int

const (
	EventBegin EventType = iota
	EventCommit
	EventInsert
	EventUpdate
	EventDelete
	EventRelation
	EventUnsupported
)

// String returns a human-readable name for an EventType.
func (t EventType) String() string {
	switch t {
	case EventBegin:
		return "Begin"
	case EventCommit:
		return "Commit"
	case EventInsert:
		return "Insert"
	case EventUpdate:
		return "Update"
	case EventDelete:
		return "Delete"
	case EventRelation:
		return "Relation"
	default:
		return "Unsupported"
	}
}

// Event is a single decoded replication message. Only Insert, Update and
// Delete carry a table and row data; Begin/Commit/Relation are transactional
// markers that flow through the pipeline untouched.
type Event struct {
	Type   EventType
	Table  TableId
	Row    *TableRow // new row for Insert/Update
	OldRow *TableRow // old row for Update (if replica identity full) and Delete

	// LSN is the WAL position the event was decoded at. Events replayed from
	// the dead letter queue carry a zero LSN; the slot position was already
	// acknowledged when the batch was first absorbed.
	LSN pglogrepl.LSN
}

// HasTable reports whether the event carries a destination table.
func (e Event) HasTable() bool {
	switch e.Type {
	case EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

// TableRow is an ordered sequence of cells matching the source table's
// column positions as last announced by the relation message.
type TableRow struct {
	Values []Cell
}

// CellKind discriminates the value held by a Cell.
type CellKind int

const (
	KindNull CellKind = iota
	KindBool
	KindI16
	KindI32
	KindI64
	KindF32
	KindF64
	KindBytes
	KindString
	KindJSON
	KindNumeric
	KindUUID
	KindDate
	KindTime
	KindTimestamp
	KindTimestampTz
	KindArray
)

// Cell is a tagged value for one column position. Exactly the field selected
// by Kind is meaningful. Date, Time, Timestamp and TimestampTz all use the
// Timeval field; Date and Time carry only the relevant components.
type Cell struct {
	Kind    CellKind
	Bool    bool
	I16     int16
	I32     int32
	I64     int64
	F32     float32
	F64     float64
	Bytes   []byte
	Str     string
	JSON    json.RawMessage
	Numeric decimal.Decimal
	UUID    uuid.UUID
	Timeval time.Time
	Array   *ArrayCell
}

// ArrayCell is a homogeneous array with per-element nullability. Each element
// is a Cell of kind Elem or KindNull.
type ArrayCell struct {
	Elem   CellKind
	Values []Cell
}

func NullCell() Cell                   { return Cell{Kind: KindNull} }
func BoolCell(v bool) Cell             { return Cell{Kind: KindBool, Bool: v} }
func I16Cell(v int16) Cell             { return Cell{Kind: KindI16, I16: v} }
func I32Cell(v int32) Cell             { return Cell{Kind: KindI32, I32: v} }
func I64Cell(v int64) Cell             { return Cell{Kind: KindI64, I64: v} }
func F32Cell(v float32) Cell           { return Cell{Kind: KindF32, F32: v} }
func F64Cell(v float64) Cell           { return Cell{Kind: KindF64, F64: v} }
func BytesCell(v []byte) Cell          { return Cell{Kind: KindBytes, Bytes: v} }
func StringCell(v string) Cell         { return Cell{Kind: KindString, Str: v} }
func JSONCell(v json.RawMessage) Cell  { return Cell{Kind: KindJSON, JSON: v} }
func NumericCell(v decimal.Decimal) Cell { return Cell{Kind: KindNumeric, Numeric: v} }
func UUIDCell(v uuid.UUID) Cell        { return Cell{Kind: KindUUID, UUID: v} }
func DateCell(v time.Time) Cell        { return Cell{Kind: KindDate, Timeval: v} }
func TimeCell(v time.Time) Cell        { return Cell{Kind: KindTime, Timeval: v} }
func TimestampCell(v time.Time) Cell   { return Cell{Kind: KindTimestamp, Timeval: v} }
func TimestampTzCell(v time.Time) Cell { return Cell{Kind: KindTimestampTz, Timeval: v} }
func ArrayCellOf(elem CellKind, values []Cell) Cell {
	return Cell{Kind: KindArray, Array: &ArrayCell{Elem: elem, Values: values}}
}

// IsNull reports whether the cell holds SQL NULL.
func (c Cell) IsNull() bool { return c.Kind == KindNull }
