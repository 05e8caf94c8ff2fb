package snowflake

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dwickyfp/rosetta/internal/cdc"
)

func TestEventRecord_InsertShape(t *testing.T) {
	ev := cdc.Event{
		Type:  cdc.EventInsert,
		Table: 16401,
		Row: &cdc.TableRow{Values: []cdc.Cell{
			cdc.I64Cell(42),
			cdc.StringCell("jakarta"),
			cdc.NullCell(),
		}},
	}
	syncTime := time.Date(2025, 6, 1, 10, 30, 0, 0, time.FixedZone("WIB", 7*3600))

	raw, ok := eventRecord(ev, []string{"id", "city", "note"}, syncTime)
	if !ok {
		t.Fatal("eventRecord returned not ok")
	}

	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatal(err)
	}

	if record["ID"] != float64(42) {
		t.Errorf("ID = %v", record["ID"])
	}
	if record["CITY"] != "jakarta" {
		t.Errorf("CITY = %v", record["CITY"])
	}
	if v, present := record["NOTE"]; !present || v != nil {
		t.Errorf("NOTE = %v (present=%v), want explicit null", v, present)
	}
	if record["OPERATION"] != "C" {
		t.Errorf("OPERATION = %v, want C", record["OPERATION"])
	}
	if record["SYNC_TIMESTAMP_ROSETTA"] != "2025-06-01T10:30:00+07:00" {
		t.Errorf("SYNC_TIMESTAMP_ROSETTA = %v", record["SYNC_TIMESTAMP_ROSETTA"])
	}
}

func TestEventRecord_OperationCodes(t *testing.T) {
	row := &cdc.TableRow{Values: []cdc.Cell{cdc.I32Cell(1)}}
	now := time.Now()

	tests := []struct {
		name string
		ev   cdc.Event
		want string
	}{
		{"insert", cdc.Event{Type: cdc.EventInsert, Row: row}, "C"},
		{"update", cdc.Event{Type: cdc.EventUpdate, Row: row}, "U"},
		{"delete", cdc.Event{Type: cdc.EventDelete, OldRow: row}, "D"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, ok := eventRecord(tt.ev, []string{"id"}, now)
			if !ok {
				t.Fatal("not ok")
			}
			var record map[string]any
			if err := json.Unmarshal(raw, &record); err != nil {
				t.Fatal(err)
			}
			if record["OPERATION"] != tt.want {
				t.Errorf("OPERATION = %v, want %v", record["OPERATION"], tt.want)
			}
		})
	}
}

func TestEventRecord_DeleteWithoutOldRowIsDropped(t *testing.T) {
	ev := cdc.Event{Type: cdc.EventDelete, Table: 1}
	if _, ok := eventRecord(ev, []string{"id"}, time.Now()); ok {
		t.Error("delete without old row should be dropped")
	}
}

func TestCellToJSONValue(t *testing.T) {
	arr := cdc.ArrayCellOf(cdc.KindString, []cdc.Cell{
		cdc.StringCell("a"), cdc.NullCell(),
	})

	tests := []struct {
		name string
		cell cdc.Cell
		want any
	}{
		{"null", cdc.NullCell(), nil},
		{"bool", cdc.BoolCell(true), true},
		{"i32", cdc.I32Cell(9), int32(9)},
		{"string", cdc.StringCell("x"), "x"},
		{"bytes", cdc.BytesCell([]byte{1, 2}), "AQI="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cellToJSONValue(tt.cell); got != tt.want {
				t.Errorf("cellToJSONValue = %v (%T), want %v", got, got, tt.want)
			}
		})
	}

	got, ok := cellToJSONValue(arr).([]any)
	if !ok {
		t.Fatalf("array cell did not convert to a slice")
	}
	if len(got) != 2 || got[0] != "a" || got[1] != nil {
		t.Errorf("array = %v", got)
	}
}
