package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dwickyfp/rosetta/internal/cdc"
)

func strp(s string) *string { return &s }

func TestCellToString(t *testing.T) {
	num, _ := decimal.NewFromString("10.5")
	id := uuid.MustParse("cb07b6b4-b74a-4adf-9b13-0d212338f7cb")
	ts := time.Date(2025, 3, 14, 9, 26, 53, 500000000, time.UTC)

	tests := []struct {
		name string
		cell cdc.Cell
		want *string
	}{
		{"null", cdc.NullCell(), nil},
		{"bool", cdc.BoolCell(true), strp("true")},
		{"i16", cdc.I16Cell(-3), strp("-3")},
		{"i64", cdc.I64Cell(1 << 40), strp("1099511627776")},
		{"f64", cdc.F64Cell(-2.25), strp("-2.25")},
		{"bytes", cdc.BytesCell([]byte{0xde, 0xad}), strp(`\xdead`)},
		{"string", cdc.StringCell("hi"), strp("hi")},
		{"json", cdc.JSONCell(json.RawMessage(`{"a":1}`)), strp(`{"a":1}`)},
		{"numeric", cdc.NumericCell(num), strp("10.5")},
		{"uuid", cdc.UUIDCell(id), strp("cb07b6b4-b74a-4adf-9b13-0d212338f7cb")},
		{"date", cdc.DateCell(time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)), strp("2025-03-14")},
		{"timestamp", cdc.TimestampCell(ts), strp("2025-03-14 09:26:53.5")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cellToString(tt.cell)
			switch {
			case got == nil && tt.want == nil:
			case got == nil || tt.want == nil:
				t.Errorf("cellToString = %v, want %v", got, tt.want)
			case *got != *tt.want:
				t.Errorf("cellToString = %q, want %q", *got, *tt.want)
			}
		})
	}
}

func TestCellToString_Arrays(t *testing.T) {
	intArr := cdc.ArrayCellOf(cdc.KindI32, []cdc.Cell{
		cdc.I32Cell(1), cdc.NullCell(), cdc.I32Cell(3),
	})
	if got := cellToString(intArr); got == nil || *got != "{1,NULL,3}" {
		t.Errorf("int array = %v", got)
	}

	strArr := cdc.ArrayCellOf(cdc.KindString, []cdc.Cell{
		cdc.StringCell("a"), cdc.StringCell(`say "hi"`), cdc.NullCell(),
	})
	if got := cellToString(strArr); got == nil || *got != `{"a","say \"hi\"",NULL}` {
		t.Errorf("string array = %v", got)
	}
}

func TestRowToParams_RewrapsArraysForListColumns(t *testing.T) {
	cols := []column{
		{name: "id", pgType: "INTEGER"},
		{name: "tags", pgType: "VARCHAR[]"},
	}
	row := &cdc.TableRow{Values: []cdc.Cell{
		cdc.I32Cell(5),
		cdc.ArrayCellOf(cdc.KindString, []cdc.Cell{cdc.StringCell("a"), cdc.StringCell("b")}),
	}}

	params := rowToParams(row, cols)
	if len(params) != 2 {
		t.Fatalf("got %d params", len(params))
	}
	if params[0] == nil || *params[0] != "5" {
		t.Errorf("id param = %v", params[0])
	}
	// Postgres literal braces become DuckDB list brackets for list columns.
	if params[1] == nil || *params[1] != `["a","b"]` {
		t.Errorf("tags param = %v, want [\"a\",\"b\"]", params[1])
	}
}

func TestRowToParams_ShortRow(t *testing.T) {
	cols := []column{{name: "a", pgType: "INTEGER"}, {name: "b", pgType: "TEXT"}}
	row := &cdc.TableRow{Values: []cdc.Cell{cdc.I32Cell(1)}}

	params := rowToParams(row, cols)
	if params[0] == nil || *params[0] != "1" {
		t.Errorf("param 0 = %v", params[0])
	}
	if params[1] != nil {
		t.Errorf("missing trailing column should stay NULL, got %v", params[1])
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct{ in, want string }{
		{"My-Dest", "my_dest"},
		{"warehouse 2", "warehouse_2"},
		{"ok_name", "ok_name"},
		{"Üñïcode!", "___code_"},
	}
	for _, tt := range tests {
		if got := sanitizeIdentifier(tt.in); got != tt.want {
			t.Errorf("sanitizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		target, source string
		wantSchema     string
		wantShort      string
	}{
		{"analytics.orders", "public.orders", "analytics", "orders"},
		{"orders_copy", "public.orders", "public", "orders_copy"},
		{"orders_copy", "sales.orders", "sales", "orders_copy"},
		{"orders_copy", "orders", "public", "orders_copy"},
	}
	for _, tt := range tests {
		schema, short := splitTarget(tt.target, tt.source)
		if schema != tt.wantSchema || short != tt.wantShort {
			t.Errorf("splitTarget(%q, %q) = (%q, %q), want (%q, %q)",
				tt.target, tt.source, schema, short, tt.wantSchema, tt.wantShort)
		}
	}
}

func TestCastableType(t *testing.T) {
	tests := []struct {
		udt, dataType string
		want          string
	}{
		{"int4", "integer", "INTEGER"},
		{"int8", "bigint", "BIGINT"},
		{"float8", "double precision", "DOUBLE"},
		{"bool", "boolean", "BOOLEAN"},
		{"jsonb", "jsonb", "JSON"},
		{"uuid", "uuid", "UUID"},
		{"timestamptz", "timestamp with time zone", "TIMESTAMPTZ"},
		{"geometry", "USER-DEFINED", "VARCHAR"},
		{"_int4", "ARRAY", "INTEGER[]"},
		{"_text", "ARRAY", "VARCHAR[]"},
		{"_uuid", "ARRAY", "UUID[]"},
		{"_numeric", "ARRAY", "NUMERIC[]"},
		{"numeric", "numeric", "numeric"},
	}
	for _, tt := range tests {
		if got := castableType(tt.udt, tt.dataType); got != tt.want {
			t.Errorf("castableType(%q, %q) = %q, want %q", tt.udt, tt.dataType, got, tt.want)
		}
	}
}

func TestSourceType(t *testing.T) {
	cols := []column{{name: "id", pgType: "BIGINT"}, {name: "name", pgType: "VARCHAR"}}
	if got := sourceType(cols, "id", "VARCHAR"); got != "BIGINT" {
		t.Errorf("sourceType(id) = %q", got)
	}
	if got := sourceType(cols, "added_by_transform", "VARCHAR"); got != "VARCHAR" {
		t.Errorf("sourceType fallback = %q", got)
	}
}
