package catalog

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// csvColumns lists the header names the loader expects, per §6's
// "Variable catalog CSV" schema.
var csvColumns = []string{
	"path", "name", "NodeID", "NodeClass", "DataType", "DataTypeString",
	"DecimalPoint", "ArrayDimensions", "value", "blockId", "index",
	"category", "code", "opcua_subscribe", "read_enable", "read_period",
	"timed_clear", "timed_clear_time", "s7_db", "s7_start", "s7_bit", "s7_size",
}

// LoadCSV reads a per-device catalog CSV, trying UTF-8, then
// UTF-8-with-BOM, then GBK, per §4.3 Load phase (grounded on
// device.py's load_variable_list() try/except encoding chain).
func LoadCSV(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	decoders := []func([]byte) ([]byte, error){
		decodeUTF8,
		decodeUTF8BOM,
		decodeGBK,
	}

	var lastErr error
	for _, decode := range decoders {
		text, derr := decode(raw)
		if derr != nil {
			lastErr = derr
			continue
		}
		cat, perr := parseCSV(text)
		if perr != nil {
			lastErr = perr
			continue
		}
		return cat, nil
	}
	return nil, fmt.Errorf("catalog: %s: no encoding in {utf-8, utf-8-bom, gbk} parsed cleanly: %w", path, lastErr)
}

func decodeUTF8(raw []byte) ([]byte, error) {
	if !isValidUTF8(raw) {
		return nil, fmt.Errorf("not valid utf-8")
	}
	return raw, nil
}

func decodeUTF8BOM(raw []byte) ([]byte, error) {
	dec := unicode.UTF8BOM.NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return nil, err
	}
	if !isValidUTF8(out) {
		return nil, fmt.Errorf("not valid utf-8 after bom strip")
	}
	return out, nil
}

func decodeGBK(raw []byte) ([]byte, error) {
	dec := simplifiedchinese.GBK.NewDecoder()
	return dec.Bytes(raw)
}

func isValidUTF8(b []byte) bool { return utf8.Valid(b) }

func parseCSV(text []byte) (*Catalog, error) {
	r := csv.NewReader(bytes.NewReader(text))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return New(), nil
		}
		return nil, err
	}
	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[strings.TrimSpace(h)] = i
	}

	cat := New()
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		d, err := rowToDescriptor(row, colIdx)
		if err != nil {
			return nil, err
		}
		cat.Add(d)
	}
	return cat, nil
}

func col(row []string, colIdx map[string]int, name string) string {
	i, ok := colIdx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func rowToDescriptor(row []string, colIdx map[string]int) (*VariableDescriptor, error) {
	blockID, _ := strconv.Atoi(col(row, colIdx, "blockId"))
	index, _ := strconv.Atoi(col(row, colIdx, "index"))
	decimalPoint, err := strconv.Atoi(col(row, colIdx, "DecimalPoint"))
	if err != nil {
		decimalPoint = 3 // §4.2: defaults to 3 if undetermined
	}
	arrDims, _ := strconv.Atoi(col(row, colIdx, "ArrayDimensions"))
	readPeriod, _ := strconv.Atoi(col(row, colIdx, "read_period"))
	timedClearTime, _ := strconv.Atoi(col(row, colIdx, "timed_clear_time"))
	s7db, _ := strconv.Atoi(col(row, colIdx, "s7_db"))
	s7start, _ := strconv.Atoi(col(row, colIdx, "s7_start"))
	s7bit, _ := strconv.Atoi(col(row, colIdx, "s7_bit"))
	s7size, _ := strconv.Atoi(col(row, colIdx, "s7_size"))

	d := &VariableDescriptor{
		Module: ModuleKey{
			BlockID:  blockID,
			Index:    index,
			Category: col(row, colIdx, "category"),
		},
		Code:            col(row, colIdx, "code"),
		NodeID:          col(row, colIdx, "NodeID"),
		DataType:        parseDataType(col(row, colIdx, "DataType")),
		DataTypeString:  col(row, colIdx, "DataTypeString"),
		ArrayDimensions: arrDims,
		DecimalPoint:    decimalPoint,
		S7: S7Address{
			DB:    s7db,
			Start: s7start,
			Bit:   s7bit,
			Size:  s7size,
		},
		ReadEnable:       parseBool(col(row, colIdx, "read_enable")),
		OpcuaSubscribe:   parseBool(col(row, colIdx, "opcua_subscribe")),
		TimedClear:       parseBool(col(row, colIdx, "timed_clear")),
		ReadPeriodMs:     readPeriod,
		TimedClearTimeMs: timedClearTime,
	}
	return d, nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func parseDataType(s string) DataType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool":
		return Bool
	case "sbyte":
		return SByte
	case "byte":
		return Byte
	case "int16":
		return Int16
	case "uint16":
		return UInt16
	case "int32":
		return Int32
	case "uint32":
		return UInt32
	case "int64":
		return Int64
	case "uint64":
		return UInt64
	case "float":
		return Float
	case "double":
		return Double
	case "string":
		return String
	case "datetime":
		return DateTime
	case "bytes":
		return Bytes
	case "structure":
		return Structure
	default:
		return Structure
	}
}
