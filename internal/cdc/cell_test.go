package cdc

import (
	"reflect"
	"testing"
	"time"
)

func TestParseCell_Scalars(t *testing.T) {
	tests := []struct {
		name string
		oid  uint32
		in   string
		want Cell
	}{
		{"bool true", oidBool, "t", BoolCell(true)},
		{"bool false", oidBool, "f", BoolCell(false)},
		{"int2", oidInt2, "-7", I16Cell(-7)},
		{"int4", oidInt4, "1048576", I32Cell(1 << 20)},
		{"int8", oidInt8, "-1099511627776", I64Cell(-1 << 40)},
		{"float4", oidFloat4, "1.5", F32Cell(1.5)},
		{"float8", oidFloat8, "-2.25", F64Cell(-2.25)},
		{"text", oidText, "hello", StringCell("hello")},
		{"varchar", oidVarchar, "v", StringCell("v")},
		{"bytea", oidBytea, `\xdeadbeef`, BytesCell([]byte{0xde, 0xad, 0xbe, 0xef})},
		{"unknown oid falls back to string", 99999, "anything", StringCell("anything")},
		{"unparseable int falls back to string", oidInt4, "not-a-number", StringCell("not-a-number")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCell(tt.oid, []byte(tt.in))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCell(%d, %q) = %#v, want %#v", tt.oid, tt.in, got, tt.want)
			}
		})
	}
}

func TestParseCell_Null(t *testing.T) {
	if got := ParseCell(oidInt4, nil); !got.IsNull() {
		t.Errorf("nil data should produce a null cell, got %#v", got)
	}
}

func TestParseCell_Temporal(t *testing.T) {
	date := ParseCell(oidDate, []byte("2025-03-14"))
	if date.Kind != KindDate || date.Timeval.Year() != 2025 || date.Timeval.Month() != 3 {
		t.Errorf("date = %#v", date)
	}

	ts := ParseCell(oidTimestamp, []byte("2025-03-14 09:26:53.589793"))
	if ts.Kind != KindTimestamp || ts.Timeval.Nanosecond() != 589793000 {
		t.Errorf("timestamp = %#v", ts)
	}

	tstz := ParseCell(oidTimestampTz, []byte("2025-03-14 09:26:53.5+07"))
	if tstz.Kind != KindTimestampTz {
		t.Fatalf("timestamptz kind = %v", tstz.Kind)
	}
	_, offset := tstz.Timeval.Zone()
	if offset != 7*3600 {
		t.Errorf("timestamptz offset = %d, want +07:00", offset)
	}
}

func TestParseCell_NumericAndUUID(t *testing.T) {
	num := ParseCell(oidNumeric, []byte("12345.6789"))
	if num.Kind != KindNumeric || num.Numeric.String() != "12345.6789" {
		t.Errorf("numeric = %#v", num)
	}

	id := ParseCell(oidUUID, []byte("cb07b6b4-b74a-4adf-9b13-0d212338f7cb"))
	if id.Kind != KindUUID || id.UUID.String() != "cb07b6b4-b74a-4adf-9b13-0d212338f7cb" {
		t.Errorf("uuid = %#v", id)
	}
}

func TestParseCell_Arrays(t *testing.T) {
	got := ParseCell(oidInt4Array, []byte("{1,NULL,3}"))
	if got.Kind != KindArray || got.Array.Elem != KindI32 {
		t.Fatalf("array cell = %#v", got)
	}
	want := []Cell{I32Cell(1), NullCell(), I32Cell(3)}
	if !reflect.DeepEqual(got.Array.Values, want) {
		t.Errorf("values = %#v, want %#v", got.Array.Values, want)
	}
}

func TestParseCell_StringArrayQuoting(t *testing.T) {
	got := ParseCell(oidTextArray, []byte(`{plain,"has, comma","has \"quote\"",NULL,"NULL"}`))
	if got.Kind != KindArray {
		t.Fatalf("kind = %v", got.Kind)
	}
	values := got.Array.Values
	if len(values) != 5 {
		t.Fatalf("got %d elements, want 5", len(values))
	}
	if values[0].Str != "plain" {
		t.Errorf("elem 0 = %q", values[0].Str)
	}
	if values[1].Str != "has, comma" {
		t.Errorf("elem 1 = %q", values[1].Str)
	}
	if values[2].Str != `has "quote"` {
		t.Errorf("elem 2 = %q", values[2].Str)
	}
	if !values[3].IsNull() {
		t.Error("bare NULL should be a null cell")
	}
	if values[4].IsNull() || values[4].Str != "NULL" {
		t.Error(`quoted "NULL" is the literal string, not SQL NULL`)
	}
}

func TestParseCell_EmptyArray(t *testing.T) {
	got := ParseCell(oidInt8Array, []byte("{}"))
	if got.Kind != KindArray || len(got.Array.Values) != 0 {
		t.Errorf("empty array = %#v", got)
	}
}

func TestEventHasTable(t *testing.T) {
	tests := []struct {
		ev   Event
		want bool
	}{
		{Event{Type: EventInsert, Table: 1}, true},
		{Event{Type: EventUpdate, Table: 1}, true},
		{Event{Type: EventDelete, Table: 1}, true},
		{Event{Type: EventBegin}, false},
		{Event{Type: EventCommit}, false},
		{Event{Type: EventRelation, Table: 1}, false},
		{Event{Type: EventUnsupported}, false},
	}
	for _, tt := range tests {
		if got := tt.ev.HasTable(); got != tt.want {
			t.Errorf("HasTable(%v) = %v, want %v", tt.ev.Type, got, tt.want)
		}
	}
}

func TestParseCell_TimeOfDay(t *testing.T) {
	got := ParseCell(oidTime, []byte("23:59:59.25"))
	if got.Kind != KindTime {
		t.Fatalf("kind = %v", got.Kind)
	}
	want := 23*time.Hour + 59*time.Minute + 59*time.Second + 250*time.Millisecond
	h, m, s := got.Timeval.Clock()
	elapsed := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second +
		time.Duration(got.Timeval.Nanosecond())
	if elapsed != want {
		t.Errorf("time of day = %v, want %v", elapsed, want)
	}
}
