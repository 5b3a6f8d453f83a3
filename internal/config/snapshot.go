package config

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
)

// SnapshotCSV flattens cfg into a path/value CSV and writes it to path,
// for operator inspection after every config load. Grounded on
// distribution.py load_config_file()'s call to nested_dict_2list
// immediately after parsing the driver config — a side effect the
// spec's distillation dropped but the original implementation always
// performed.
func SnapshotCSV(path string, cfg DriverConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: snapshot mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: snapshot create: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"path", "value"}); err != nil {
		return err
	}

	rows := flatten("", reflect.ValueOf(cfg))
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	for _, row := range rows {
		if err := w.Write(row[:]); err != nil {
			return err
		}
	}
	return nil
}

func flatten(prefix string, v reflect.Value) [][2]string {
	var out [][2]string
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			name := t.Field(i).Name
			p := name
			if prefix != "" {
				p = prefix + "." + name
			}
			out = append(out, flattenPairs(p, v.Field(i))...)
		}
	case reflect.Map:
		keys := v.MapKeys()
		strKeys := make([]string, len(keys))
		for i, k := range keys {
			strKeys[i] = fmt.Sprintf("%v", k.Interface())
		}
		sort.Strings(strKeys)
		for _, k := range strKeys {
			p := prefix + "[" + k + "]"
			out = append(out, flattenPairs(p, v.MapIndex(reflect.ValueOf(k)))...)
		}
	default:
		out = append(out, [2]string{prefix, fmt.Sprintf("%v", v.Interface())})
	}
	return out
}

func flattenPairs(prefix string, v reflect.Value) [][2]string {
	pairs := flatten(prefix, v)
	return pairs
}
