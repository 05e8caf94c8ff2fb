package cdc

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Postgres type OIDs for the types the hub decodes natively. Everything else
// falls back to a string cell so no value is ever dropped on the floor.
const (
	oidBool        = 16
	oidBytea       = 17
	oidInt8        = 20
	oidInt2        = 21
	oidInt4        = 23
	oidText        = 25
	oidJSON        = 114
	oidFloat4      = 700
	oidFloat8      = 701
	oidBpchar      = 1042
	oidVarchar     = 1043
	oidDate        = 1082
	oidTime        = 1083
	oidTimestamp   = 1114
	oidTimestampTz = 1184
	oidNumeric     = 1700
	oidUUID        = 2950
	oidJSONB       = 3802

	oidBoolArray        = 1000
	oidInt2Array        = 1005
	oidInt4Array        = 1007
	oidTextArray        = 1009
	oidVarcharArray     = 1015
	oidInt8Array        = 1016
	oidFloat4Array      = 1021
	oidFloat8Array      = 1022
	oidDateArray        = 1182
	oidTimestampTzArray = 1185
	oidNumericArray     = 1231
	oidUUIDArray        = 2951
)

const (
	dateLayout        = "2006-01-02"
	timeLayout        = "15:04:05.999999"
	timestampLayout   = "2006-01-02 15:04:05.999999"
	timestampTzLayout = "2006-01-02 15:04:05.999999-07"
)

// ParseCell converts a text-format column value from the logical stream into
// a typed Cell based on the column's type OID from the relation message.
// Unparseable values degrade to string cells rather than failing the event.
func ParseCell(oid uint32, data []byte) Cell {
	if data == nil {
		return NullCell()
	}
	s := string(data)

	switch oid {
	case oidBool:
		return BoolCell(s == "t" || s == "true")
	case oidBytea:
		if raw, ok := strings.CutPrefix(s, `\x`); ok {
			if b, err := hex.DecodeString(raw); err == nil {
				return BytesCell(b)
			}
		}
		return BytesCell([]byte(s))
	case oidInt2:
		if v, err := strconv.ParseInt(s, 10, 16); err == nil {
			return I16Cell(int16(v))
		}
	case oidInt4:
		if v, err := strconv.ParseInt(s, 10, 32); err == nil {
			return I32Cell(int32(v))
		}
	case oidInt8:
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return I64Cell(v)
		}
	case oidFloat4:
		if v, err := strconv.ParseFloat(s, 32); err == nil {
			return F32Cell(float32(v))
		}
	case oidFloat8:
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return F64Cell(v)
		}
	case oidNumeric:
		if v, err := decimal.NewFromString(s); err == nil {
			return NumericCell(v)
		}
	case oidJSON, oidJSONB:
		return JSONCell(json.RawMessage(s))
	case oidUUID:
		if v, err := uuid.Parse(s); err == nil {
			return UUIDCell(v)
		}
	case oidDate:
		if v, err := time.Parse(dateLayout, s); err == nil {
			return DateCell(v)
		}
	case oidTime:
		if v, err := time.Parse(timeLayout, s); err == nil {
			return TimeCell(v)
		}
	case oidTimestamp:
		if v, err := time.Parse(timestampLayout, s); err == nil {
			return TimestampCell(v)
		}
	case oidTimestampTz:
		if v, err := time.Parse(timestampTzLayout, s); err == nil {
			return TimestampTzCell(v)
		}
	case oidBoolArray:
		return parseArray(s, KindBool)
	case oidInt2Array:
		return parseArray(s, KindI16)
	case oidInt4Array:
		return parseArray(s, KindI32)
	case oidInt8Array:
		return parseArray(s, KindI64)
	case oidFloat4Array:
		return parseArray(s, KindF32)
	case oidFloat8Array:
		return parseArray(s, KindF64)
	case oidTextArray, oidVarcharArray:
		return parseArray(s, KindString)
	case oidNumericArray:
		return parseArray(s, KindNumeric)
	case oidDateArray:
		return parseArray(s, KindDate)
	case oidTimestampTzArray:
		return parseArray(s, KindTimestampTz)
	case oidUUIDArray:
		return parseArray(s, KindUUID)
	}
	return StringCell(s)
}

// parseArray decodes a Postgres array literal ({a,b,NULL}) into an ArrayCell
// of the given element kind.
func parseArray(s string, elem CellKind) Cell {
	body, ok := strings.CutPrefix(s, "{")
	if !ok {
		return StringCell(s)
	}
	body, ok = strings.CutSuffix(body, "}")
	if !ok {
		return StringCell(s)
	}

	var values []Cell
	for _, raw := range splitArrayElems(body) {
		values = append(values, parseArrayElem(raw, elem))
	}
	return ArrayCellOf(elem, values)
}

func parseArrayElem(raw string, elem CellKind) Cell {
	quoted := false
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		quoted = true
		raw = strings.ReplaceAll(raw[1:len(raw)-1], `\"`, `"`)
		raw = strings.ReplaceAll(raw, `\\`, `\`)
	}
	if !quoted && raw == "NULL" {
		return NullCell()
	}

	oid := uint32(oidText)
	switch elem {
	case KindBool:
		oid = oidBool
	case KindI16:
		oid = oidInt2
	case KindI32:
		oid = oidInt4
	case KindI64:
		oid = oidInt8
	case KindF32:
		oid = oidFloat4
	case KindF64:
		oid = oidFloat8
	case KindNumeric:
		oid = oidNumeric
	case KindDate:
		oid = oidDate
	case KindTimestampTz:
		oid = oidTimestampTz
	case KindUUID:
		oid = oidUUID
	}
	return ParseCell(oid, []byte(raw))
}

// splitArrayElems splits an array literal body on top-level commas,
// respecting double-quoted elements and backslash escapes.
func splitArrayElems(body string) []string {
	if body == "" {
		return nil
	}
	var (
		elems   []string
		current strings.Builder
		inQuote bool
		escaped bool
	)
	for _, r := range body {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			current.WriteRune(r)
			escaped = true
		case r == '"':
			current.WriteRune(r)
			inQuote = !inQuote
		case r == ',' && !inQuote:
			elems = append(elems, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	elems = append(elems, current.String())
	return elems
}
