package sqlbind

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

var (
	scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	timeType     = reflect.TypeOf(time.Time{})

	scanPlanCache    = newMemo[planKey, *scanPlan](cacheSize)
	structIndexCache = newMemo[reflect.Type, map[string]fieldInfo](cacheSize)
)

// StructMapper returns a RowMapper that scans each row into a T, which must
// be a struct or pointer to struct. Columns map to fields via `db` tags or
// field names, flattened through nested structs; unmatched columns are
// discarded, NULLs land in pointer fields as nil, and fields implementing
// sql.Scanner scan themselves. Scan plans are cached per (column set, type).
// The returned mapper is not safe for concurrent use.
func StructMapper[T any]() RowMapper[T] {
	t := reflect.TypeOf((*T)(nil)).Elem()
	isPtr := t.Kind() == reflect.Pointer
	structT := canonicalStructType(t)
	if structT.Kind() != reflect.Struct {
		return func(*sql.Rows) (T, error) {
			var zero T
			return zero, fmt.Errorf("sqlbind: StructMapper requires a struct type, got %s", t)
		}
	}

	// Plan and scan buffers are per-mapper, rebuilt when the column set changes.
	var (
		plan    *scanPlan
		targets []any
		sink    any
		sig     string
	)

	return func(rows *sql.Rows) (T, error) {
		var zero T
		cols, err := rows.Columns()
		if err != nil {
			return zero, err
		}
		if csig := columnsSignature(cols); plan == nil || sig != csig {
			p, err := getScanPlan(cols, structT)
			if err != nil {
				return zero, err
			}
			plan, sig = p, csig
			targets = make([]any, len(cols))
			sink = new(any)
		}

		ptr := reflect.New(structT)
		dst := ptr.Elem()
		for i, path := range plan.fields {
			if path == nil {
				targets[i] = sink
				continue
			}
			targets[i] = leafField(dst, path).Addr().Interface()
		}
		if err := rows.Scan(targets...); err != nil {
			return zero, err
		}

		if isPtr {
			return ptr.Interface().(T), nil
		}
		return dst.Interface().(T), nil
	}
}

// ValueMapper returns a RowMapper that scans single-column rows straight into
// T: primitives, time.Time, []byte, or any sql.Scanner implementation.
func ValueMapper[T any]() RowMapper[T] {
	return func(rows *sql.Rows) (T, error) {
		var v T
		cols, err := rows.Columns()
		if err != nil {
			return v, err
		}
		if len(cols) != 1 {
			return v, fmt.Errorf("sqlbind: ValueMapper requires 1 column, got %d", len(cols))
		}
		if err := rows.Scan(&v); err != nil {
			return v, err
		}
		return v, nil
	}
}

// scanPlan maps result columns, in order, to field index paths of the
// destination struct. A nil path means the column has no matching field and
// is scanned into a shared sink. Plans are immutable once built.
type scanPlan struct {
	fields [][]int
}

// planKey identifies a scanPlan by destination struct type and column signature.
type planKey struct {
	dstType reflect.Type
	sig     string
}

// getScanPlan returns the cached plan for scanning cols into dstT, building
// it on a miss. The same plan pointer is shared by every mapper that sees the
// same type and column set.
func getScanPlan(cols []string, dstT reflect.Type) (*scanPlan, error) {
	dstT = canonicalStructType(dstT)
	key := planKey{dstType: dstT, sig: columnsSignature(cols)}
	if p, ok := scanPlanCache.get(key); ok {
		return p, nil
	}
	p, err := compilePlan(cols, dstT)
	if err != nil {
		return nil, err
	}
	scanPlanCache.put(key, p)
	return p, nil
}

// compilePlan resolves each result column to a leaf field of structT.
func compilePlan(cols []string, structT reflect.Type) (*scanPlan, error) {
	fields := fieldIndexMap(structT)
	p := &scanPlan{fields: make([][]int, len(cols))}
	for i, col := range cols {
		fi, ok := fields[col]
		if !ok {
			continue
		}
		if fi.ambiguous {
			return nil, fmt.Errorf("%w: %q", ErrFieldAmbiguous, col)
		}
		p.fields[i] = fi.path
	}
	return p, nil
}

// leafField returns the field at path below root, allocating nil intermediate
// pointers along the way. The leaf is returned as declared, so a pointer leaf
// stays a pointer and scans through a **T target, which is how NULL becomes a
// nil field and a value becomes a fresh allocation.
func leafField(root reflect.Value, path []int) reflect.Value {
	v := root
	for _, i := range path[:len(path)-1] {
		v = v.Field(i)
		if v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
	}
	return v.Field(path[len(path)-1])
}

// --------------------------------
// Fields
// --------------------------------

// fieldInfo locates a leaf field by its flattened index path. Two leaves
// claiming the same column name mark it ambiguous, and ambiguous columns
// refuse to scan.
type fieldInfo struct {
	path      []int
	ambiguous bool
}

// fieldIndexMap maps column names to the leaf fields of t, honoring `db` tags
// and flattening nested structs. Results are cached per type.
func fieldIndexMap(t reflect.Type) map[string]fieldInfo {
	if m, ok := structIndexCache.get(t); ok {
		return m
	}
	m := make(map[string]fieldInfo)
	if base := canonicalStructType(t); base.Kind() == reflect.Struct {
		collectFields(base, nil, nil, m)
	}
	structIndexCache.put(t, m)
	return m
}

// collectFields walks rt depth-first and appends every exported leaf to m
// under its column name. ancestors carries the struct types on the current
// branch to cut recursive type cycles.
func collectFields(rt reflect.Type, path []int, ancestors []reflect.Type, m map[string]fieldInfo) {
	for _, a := range ancestors {
		if a == rt {
			return
		}
	}
	ancestors = append(ancestors, rt)

	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" {
			// Unexported fields are invisible to Scan, except that an
			// embedded struct still promotes its exported leaves.
			if !f.Anonymous || f.Type.Kind() != reflect.Struct || !flattenable(f.Type) {
				continue
			}
		}
		name, skip := columnName(f)
		if skip {
			continue
		}
		if flattenable(f.Type) {
			collectFields(canonicalStructType(f.Type), appendPath(path, i), ancestors, m)
			continue
		}
		if _, dup := m[name]; dup {
			m[name] = fieldInfo{ambiguous: true}
			continue
		}
		m[name] = fieldInfo{path: appendPath(path, i)}
	}
}

// columnName resolves the column a field binds to. The second return is true
// when the field opts out via `db:"-"`.
func columnName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("db")
	if tag == "-" {
		return "", true
	}
	if c := strings.IndexByte(tag, ','); c >= 0 {
		tag = tag[:c]
	}
	if tag == "" {
		return f.Name, false
	}
	return tag, false
}

// flattenable reports whether a field's type should be descended into rather
// than scanned as a leaf. Scanner implementations and time.Time stay leaves.
func flattenable(ft reflect.Type) bool {
	if ft.Implements(scannerIface) || reflect.PointerTo(ft).Implements(scannerIface) {
		return false
	}
	st := canonicalStructType(ft)
	return st.Kind() == reflect.Struct && st != timeType
}

// appendPath copies path with i appended. Paths are stored in shared maps, so
// they must not alias the walk's scratch slice.
func appendPath(path []int, i int) []int {
	p := make([]int, len(path), len(path)+1)
	copy(p, path)
	return append(p, i)
}

// --------------------------------
// Caching
// --------------------------------

// memo is a two-tier map bounding memory with cheap generational rotation:
// when the hot generation fills up it becomes the cold one and a fresh hot
// map takes over. Hits in the cold generation are promoted back so live keys
// survive rotation.
type memo[K comparable, V any] struct {
	mu   sync.RWMutex
	hot  map[K]V
	cold map[K]V
	max  int
}

func newMemo[K comparable, V any](max int) *memo[K, V] {
	if max <= 0 {
		max = cacheSize
	}
	return &memo[K, V]{
		hot:  make(map[K]V, max/2),
		cold: make(map[K]V),
		max:  max,
	}
}

func (m *memo[K, V]) get(k K) (V, bool) {
	m.mu.RLock()
	if v, ok := m.hot[k]; ok {
		m.mu.RUnlock()
		return v, true
	}
	v, ok := m.cold[k]
	m.mu.RUnlock()
	if ok {
		m.put(k, v)
	}
	return v, ok
}

func (m *memo[K, V]) put(k K, v V) {
	m.mu.Lock()
	if len(m.hot) >= m.max {
		m.cold = m.hot
		m.hot = make(map[K]V, m.max/2)
	}
	m.hot[k] = v
	m.mu.Unlock()
}

// columnsSignature folds an ordered column list into a single cache key. The
// unit separator keeps distinct lists from colliding.
func columnsSignature(cols []string) string {
	return strings.Join(cols, "\x1f")
}

// canonicalStructType strips pointer layers off t. Non-struct types are
// returned as-is for the caller to reject.
func canonicalStructType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
