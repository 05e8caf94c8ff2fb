package dlq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dwickyfp/rosetta/internal/cdc"
)

// Wire projection of events for DLQ persistence. The encoding is lossy in
// three documented ways: numerics round-trip through their string form, only
// Insert/Update/Delete events keep their table id, and LSNs are not preserved
// (replayed events carry a zero LSN because the slot position was
// acknowledged when the batch was first absorbed).

type wireEvent struct {
	Type   string   `json:"type"`
	Table  uint32   `json:"table_id,omitempty"`
	Row    *wireRow `json:"row,omitempty"`
	OldRow *wireRow `json:"old_row,omitempty"`
}

type wireRow struct {
	Values []wireCell `json:"values"`
}

type wireCell struct {
	Kind   string          `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`
	Elem   string          `json:"elem,omitempty"`
	Values []wireCell      `json:"values,omitempty"`
}

const (
	wireDateLayout      = "2006-01-02"
	wireTimeLayout      = "15:04:05.999999999"
	wireTimestampLayout = "2006-01-02T15:04:05.999999999"
)

var kindNames = map[cdc.CellKind]string{
	cdc.KindNull:        "null",
	cdc.KindBool:        "bool",
	cdc.KindI16:         "i16",
	cdc.KindI32:         "i32",
	cdc.KindI64:         "i64",
	cdc.KindF32:         "f32",
	cdc.KindF64:         "f64",
	cdc.KindBytes:       "bytes",
	cdc.KindString:      "string",
	cdc.KindJSON:        "json",
	cdc.KindNumeric:     "numeric",
	cdc.KindUUID:        "uuid",
	cdc.KindDate:        "date",
	cdc.KindTime:        "time",
	cdc.KindTimestamp:   "timestamp",
	cdc.KindTimestampTz: "timestamptz",
	cdc.KindArray:       "array",
}

var kindByName = func() map[string]cdc.CellKind {
	m := make(map[string]cdc.CellKind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

var typeNames = map[cdc.EventType]string{
	cdc.EventBegin:       "begin",
	cdc.EventCommit:      "commit",
	cdc.EventInsert:      "insert",
	cdc.EventUpdate:      "update",
	cdc.EventDelete:      "delete",
	cdc.EventRelation:    "relation",
	cdc.EventUnsupported: "unsupported",
}

var typeByName = func() map[string]cdc.EventType {
	m := make(map[string]cdc.EventType, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

// EncodeEvents serialises a batch to the DLQ value format.
func EncodeEvents(events []cdc.Event) ([]byte, error) {
	wire := make([]wireEvent, 0, len(events))
	for _, ev := range events {
		w := wireEvent{Type: typeNames[ev.Type]}
		if ev.HasTable() {
			w.Table = uint32(ev.Table)
		}
		var err error
		if w.Row, err = encodeRow(ev.Row); err != nil {
			return nil, err
		}
		if w.OldRow, err = encodeRow(ev.OldRow); err != nil {
			return nil, err
		}
		wire = append(wire, w)
	}
	return json.Marshal(wire)
}

// DecodeEvents deserialises a DLQ value back into a batch.
func DecodeEvents(data []byte) ([]cdc.Event, error) {
	var wire []wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode DLQ entry: %w", err)
	}
	events := make([]cdc.Event, 0, len(wire))
	for _, w := range wire {
		t, ok := typeByName[w.Type]
		if !ok {
			t = cdc.EventUnsupported
		}
		ev := cdc.Event{Type: t, Table: cdc.TableId(w.Table)}
		var err error
		if ev.Row, err = decodeRow(w.Row); err != nil {
			return nil, err
		}
		if ev.OldRow, err = decodeRow(w.OldRow); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func encodeRow(row *cdc.TableRow) (*wireRow, error) {
	if row == nil {
		return nil, nil
	}
	out := &wireRow{Values: make([]wireCell, len(row.Values))}
	for i, c := range row.Values {
		w, err := encodeCell(c)
		if err != nil {
			return nil, err
		}
		out.Values[i] = w
	}
	return out, nil
}

func decodeRow(row *wireRow) (*cdc.TableRow, error) {
	if row == nil {
		return nil, nil
	}
	out := &cdc.TableRow{Values: make([]cdc.Cell, len(row.Values))}
	for i, w := range row.Values {
		c, err := decodeCell(w)
		if err != nil {
			return nil, err
		}
		out.Values[i] = c
	}
	return out, nil
}

func encodeCell(c cdc.Cell) (wireCell, error) {
	w := wireCell{Kind: kindNames[c.Kind]}

	var v any
	switch c.Kind {
	case cdc.KindNull:
		return w, nil
	case cdc.KindBool:
		v = c.Bool
	case cdc.KindI16:
		v = c.I16
	case cdc.KindI32:
		v = c.I32
	case cdc.KindI64:
		v = c.I64
	case cdc.KindF32:
		v = c.F32
	case cdc.KindF64:
		v = c.F64
	case cdc.KindBytes:
		v = c.Bytes
	case cdc.KindString:
		v = c.Str
	case cdc.KindJSON:
		w.Value = c.JSON
		return w, nil
	case cdc.KindNumeric:
		v = c.Numeric.String()
	case cdc.KindUUID:
		v = c.UUID.String()
	case cdc.KindDate:
		v = c.Timeval.Format(wireDateLayout)
	case cdc.KindTime:
		v = c.Timeval.Format(wireTimeLayout)
	case cdc.KindTimestamp:
		v = c.Timeval.Format(wireTimestampLayout)
	case cdc.KindTimestampTz:
		v = c.Timeval.Format(time.RFC3339Nano)
	case cdc.KindArray:
		w.Elem = kindNames[c.Array.Elem]
		w.Values = make([]wireCell, len(c.Array.Values))
		for i, el := range c.Array.Values {
			enc, err := encodeCell(el)
			if err != nil {
				return wireCell{}, err
			}
			w.Values[i] = enc
		}
		return w, nil
	default:
		return wireCell{}, fmt.Errorf("unencodable cell kind %d", c.Kind)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return wireCell{}, fmt.Errorf("encode %s cell: %w", w.Kind, err)
	}
	w.Value = raw
	return w, nil
}

func decodeCell(w wireCell) (cdc.Cell, error) {
	kind, ok := kindByName[w.Kind]
	if !ok {
		return cdc.Cell{}, fmt.Errorf("unknown cell kind %q", w.Kind)
	}

	switch kind {
	case cdc.KindNull:
		return cdc.NullCell(), nil
	case cdc.KindBool:
		var v bool
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return cdc.Cell{}, err
		}
		return cdc.BoolCell(v), nil
	case cdc.KindI16:
		var v int16
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return cdc.Cell{}, err
		}
		return cdc.I16Cell(v), nil
	case cdc.KindI32:
		var v int32
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return cdc.Cell{}, err
		}
		return cdc.I32Cell(v), nil
	case cdc.KindI64:
		var v int64
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return cdc.Cell{}, err
		}
		return cdc.I64Cell(v), nil
	case cdc.KindF32:
		var v float32
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return cdc.Cell{}, err
		}
		return cdc.F32Cell(v), nil
	case cdc.KindF64:
		var v float64
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return cdc.Cell{}, err
		}
		return cdc.F64Cell(v), nil
	case cdc.KindBytes:
		var v []byte
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return cdc.Cell{}, err
		}
		return cdc.BytesCell(v), nil
	case cdc.KindString:
		var v string
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return cdc.Cell{}, err
		}
		return cdc.StringCell(v), nil
	case cdc.KindJSON:
		return cdc.JSONCell(w.Value), nil
	case cdc.KindNumeric:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return cdc.Cell{}, err
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return cdc.Cell{}, fmt.Errorf("decode numeric cell: %w", err)
		}
		return cdc.NumericCell(v), nil
	case cdc.KindUUID:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return cdc.Cell{}, err
		}
		v, err := uuid.Parse(s)
		if err != nil {
			return cdc.Cell{}, fmt.Errorf("decode uuid cell: %w", err)
		}
		return cdc.UUIDCell(v), nil
	case cdc.KindDate:
		return decodeTimeCell(w.Value, wireDateLayout, cdc.DateCell)
	case cdc.KindTime:
		return decodeTimeCell(w.Value, wireTimeLayout, cdc.TimeCell)
	case cdc.KindTimestamp:
		return decodeTimeCell(w.Value, wireTimestampLayout, cdc.TimestampCell)
	case cdc.KindTimestampTz:
		return decodeTimeCell(w.Value, time.RFC3339Nano, cdc.TimestampTzCell)
	case cdc.KindArray:
		elem, ok := kindByName[w.Elem]
		if !ok {
			return cdc.Cell{}, fmt.Errorf("unknown array element kind %q", w.Elem)
		}
		values := make([]cdc.Cell, len(w.Values))
		for i, el := range w.Values {
			c, err := decodeCell(el)
			if err != nil {
				return cdc.Cell{}, err
			}
			values[i] = c
		}
		return cdc.ArrayCellOf(elem, values), nil
	}
	return cdc.Cell{}, fmt.Errorf("undecodable cell kind %q", w.Kind)
}

func decodeTimeCell(raw json.RawMessage, layout string, mk func(time.Time) cdc.Cell) (cdc.Cell, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return cdc.Cell{}, err
	}
	v, err := time.Parse(layout, s)
	if err != nil {
		return cdc.Cell{}, fmt.Errorf("decode time cell: %w", err)
	}
	return mk(v), nil
}
