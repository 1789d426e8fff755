package paramcache

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/clogs-go/clogs/internal/clerr"
)

// column describes one struct field's mapping onto a SQL column, derived
// once by reflection per DESIGN NOTES: "define one concrete record struct
// per algorithm with named fields, and derive its SQL column list by
// reflection... This removes runtime dispatch on field types and
// eliminates a whole class of key-name typos."
type column struct {
	field   int
	name    string
	sqlType string // INT | TEXT | BLOB
}

var schemaCache sync.Map // reflect.Type -> []column

// Tag format: `clogs:"column_name,kind"` where kind is int|text|blob.
func columnsOf(t reflect.Type) []column {
	if cached, ok := schemaCache.Load(t); ok {
		return cached.([]column)
	}
	cols := make([]column, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("clogs")
		if tag == "" || tag == "-" {
			continue
		}
		parts := strings.SplitN(tag, ",", 2)
		name := parts[0]
		kind := "text"
		if len(parts) == 2 {
			kind = parts[1]
		}
		var sqlType string
		switch kind {
		case "int":
			sqlType = "INT"
		case "text":
			sqlType = "TEXT"
		case "blob":
			sqlType = "BLOB"
		default:
			panic(fmt.Sprintf("paramcache: unknown column kind %q on field %s", kind, f.Name))
		}
		cols = append(cols, column{field: i, name: name, sqlType: sqlType})
	}
	schemaCache.Store(t, cols)
	return cols
}

func fieldValue(v reflect.Value, c column) any {
	fv := v.Field(c.field)
	switch fv.Kind() {
	case reflect.Slice: // []byte blob
		return fv.Bytes()
	case reflect.String:
		return fv.String()
	default:
		return fv.Interface()
	}
}

// Table is a strongly-typed view onto one (algorithm, schema_version)
// table: K is the key-field struct (embeds DeviceKey plus problem-specific
// fields), V is the value-record struct (algorithm parameters plus a
// program binary blob).
type Table[K any, V any] struct {
	db        *sql.DB
	name      string
	keyCols   []column
	valueCols []column
}

// Open binds a Table to the given algorithm/schema version against db. It
// does not touch the database until Lookup/Store is called; either one
// creates the table if necessary.
func Open[K any, V any](db *sql.DB, algorithm string, schemaVersion int) *Table[K, V] {
	var k K
	var v V
	return &Table[K, V]{
		db:        db,
		name:      tableName(algorithm, schemaVersion),
		keyCols:   columnsOf(reflect.TypeOf(k)),
		valueCols: columnsOf(reflect.TypeOf(v)),
	}
}

func (t *Table[K, V]) ensureTable() error {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", t.name)
	first := true
	for _, c := range append(append([]column{}, t.keyCols...), t.valueCols...) {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s %s", c.name, c.sqlType)
	}
	b.WriteString(", PRIMARY KEY (")
	for i, c := range t.keyCols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.name)
	}
	b.WriteString("))")
	_, err := t.db.Exec(b.String())
	if err != nil {
		return clerr.Cache("paramcache: creating table %s: %v", t.name, err)
	}
	return nil
}

// Lookup performs the single-row select by key fields, returning
// clerr.ErrNotFound (via errors.Is) when absent.
func (t *Table[K, V]) Lookup(key K) (V, error) {
	var zero V
	if err := t.ensureTable(); err != nil {
		return zero, err
	}

	kv := reflect.ValueOf(key)
	var where strings.Builder
	args := make([]any, 0, len(t.keyCols))
	for i, c := range t.keyCols {
		if i > 0 {
			where.WriteString(" AND ")
		}
		fmt.Fprintf(&where, "%s = ?", c.name)
		args = append(args, fieldValue(kv, c))
	}

	cols := make([]string, len(t.valueCols))
	for i, c := range t.valueCols {
		cols[i] = c.name
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), t.name, where.String())

	row := t.db.QueryRow(query, args...)
	value := reflect.New(reflect.TypeOf(zero)).Elem()
	scanTargets := make([]any, len(t.valueCols))
	for i, c := range t.valueCols {
		scanTargets[i] = value.Field(c.field).Addr().Interface()
	}
	if err := row.Scan(scanTargets...); err != nil {
		if err == sql.ErrNoRows {
			return zero, clerr.NotFound("paramcache: no row in %s for key", t.name)
		}
		return zero, clerr.Cache("paramcache: querying %s: %v", t.name, err)
	}
	return value.Interface().(V), nil
}

// Store performs an INSERT OR REPLACE. Concurrent writers (including other
// processes tuning in parallel) race harmlessly: all of them are
// attempting to record the same empirically-best answer, so the last
// writer winning is acceptable.
func (t *Table[K, V]) Store(key K, value V) error {
	if err := t.ensureTable(); err != nil {
		return err
	}

	all := append(append([]column{}, t.keyCols...), t.valueCols...)
	names := make([]string, len(all))
	placeholders := make([]string, len(all))
	args := make([]any, len(all))

	kv := reflect.ValueOf(key)
	vv := reflect.ValueOf(value)
	nKey := len(t.keyCols)
	for i, c := range all {
		names[i] = c.name
		placeholders[i] = "?"
		if i < nKey {
			args[i] = fieldValue(kv, c)
		} else {
			args[i] = fieldValue(vv, c)
		}
	}

	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		t.name, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := t.db.Exec(stmt, args...); err != nil {
		return clerr.Cache("paramcache: storing into %s: %v", t.name, err)
	}
	return nil
}
