package sqlbind

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// loudText is a sql.Scanner that uppercases whatever text it receives.
type loudText string

func (l *loudText) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*l = loudText(strings.ToUpper(v))
	case []byte:
		*l = loudText(strings.ToUpper(string(v)))
	default:
		return fmt.Errorf("unsupported source: %T", src)
	}
	return nil
}

// person exercises tags, pointer fields, scanners and excluded fields.
type person struct {
	ID   int      `db:"id"`
	Name string   `db:"name"`
	Note *string  `db:"note"`
	Code loudText `db:"code"`
	Skip string   `db:"-"`
}

// --------------------------------
// StructMapper
// --------------------------------

// TestStructMapper_TagsScannersAndNulls ensures columns land in fields via db
// tags, NULLs zero pointer fields, sql.Scanner fields scan themselves, and
// columns without a matching field are discarded.
func TestStructMapper_TagsScannersAndNulls(t *testing.T) {
	db, mock := newMockDB(t)
	rows := sqlmock.NewRows([]string{"id", "name", "note", "code", "skip", "extra"}).
		AddRow(1, "Ada", "hello", "abc", "s", "x").
		AddRow(2, "Bob", nil, "def", "s", "y")
	mock.ExpectQuery(".*").WillReturnRows(rows)

	rs, err := db.Query("SELECT mock")
	assertNoError(t, err)
	defer rs.Close()

	m := StructMapper[person]()

	if !rs.Next() {
		t.Fatal("no first row")
	}
	p1, err := m(rs)
	assertNoError(t, err)
	if p1.ID != 1 || p1.Name != "Ada" || p1.Code != "ABC" || p1.Skip != "" {
		t.Fatalf("row 1 = %+v", p1)
	}
	if p1.Note == nil || *p1.Note != "hello" {
		t.Fatalf("row 1 Note = %v, want hello", p1.Note)
	}

	if !rs.Next() {
		t.Fatal("no second row")
	}
	p2, err := m(rs)
	assertNoError(t, err)
	if p2.ID != 2 || p2.Note != nil || p2.Code != "DEF" {
		t.Fatalf("row 2 = %+v", p2)
	}
}

// TestStructMapper_PointerTarget ensures a pointer type parameter yields a
// freshly allocated struct per row.
func TestStructMapper_PointerTarget(t *testing.T) {
	db, mock := newMockDB(t)
	rows := sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "Ada").AddRow(2, "Bob")
	mock.ExpectQuery(".*").WillReturnRows(rows)

	rs, err := db.Query("SELECT mock")
	assertNoError(t, err)
	defer rs.Close()

	m := StructMapper[*person]()

	if !rs.Next() {
		t.Fatal("no first row")
	}
	p1, err := m(rs)
	assertNoError(t, err)
	if !rs.Next() {
		t.Fatal("no second row")
	}
	p2, err := m(rs)
	assertNoError(t, err)

	if p1 == nil || p2 == nil || p1 == p2 {
		t.Fatalf("rows share storage: %p %p", p1, p2)
	}
	if p1.Name != "Ada" || p2.Name != "Bob" {
		t.Fatalf("rows = %+v %+v", p1, p2)
	}
}

// TestStructMapper_NestedStructs ensures embedded and named struct fields are
// flattened while time.Time stays a scannable leaf. Embedding an unexported
// struct still promotes its exported leaves; plain unexported fields stay
// invisible and their columns sink.
func TestStructMapper_NestedStructs(t *testing.T) {
	type audit struct {
		Created time.Time `db:"created"`
	}
	type contact struct {
		Email string `db:"email"`
	}
	type record struct {
		ID int `db:"id"`
		audit
		Contact contact
		secret  string
	}

	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	db, mock := newMockDB(t)
	rows := sqlmock.NewRows([]string{"id", "created", "email", "secret"}).
		AddRow(7, created, "ada@example.com", "shh")
	mock.ExpectQuery(".*").WillReturnRows(rows)

	rs, err := db.Query("SELECT mock")
	assertNoError(t, err)
	defer rs.Close()

	if !rs.Next() {
		t.Fatal("no row")
	}
	r, err := StructMapper[record]()(rs)
	assertNoError(t, err)
	if r.ID != 7 || !r.Created.Equal(created) || r.Contact.Email != "ada@example.com" {
		t.Fatalf("row = %+v", r)
	}
	if r.secret != "" {
		t.Fatalf("secret = %q, want it untouched", r.secret)
	}
}

// TestStructMapper_AmbiguousColumn ensures a column name claimed by several
// fields refuses to scan.
func TestStructMapper_AmbiguousColumn(t *testing.T) {
	type dup struct {
		A int `db:"x"`
		B int `db:"x"`
	}

	db, mock := newMockDB(t)
	rows := sqlmock.NewRows([]string{"x"}).AddRow(1)
	mock.ExpectQuery(".*").WillReturnRows(rows)

	rs, err := db.Query("SELECT mock")
	assertNoError(t, err)
	defer rs.Close()

	if !rs.Next() {
		t.Fatal("no row")
	}
	_, err = StructMapper[dup]()(rs)
	if !errors.Is(err, ErrFieldAmbiguous) {
		t.Fatalf("expected ErrFieldAmbiguous, got: %v", err)
	}
}

// TestStructMapper_NonStruct ensures a non-struct type parameter yields a
// mapper that always fails.
func TestStructMapper_NonStruct(t *testing.T) {
	db, mock := newMockDB(t)
	rows := sqlmock.NewRows([]string{"id"}).AddRow(1)
	mock.ExpectQuery(".*").WillReturnRows(rows)

	rs, err := db.Query("SELECT mock")
	assertNoError(t, err)
	defer rs.Close()

	if !rs.Next() {
		t.Fatal("no row")
	}
	_, err = StructMapper[int]()(rs)
	if err == nil || !strings.Contains(err.Error(), "requires a struct type") {
		t.Fatalf("expected a struct type error, got: %v", err)
	}
}

// TestStructMapper_ColumnSetChange ensures one mapper instance adapts when
// the result's column set differs between queries.
func TestStructMapper_ColumnSetChange(t *testing.T) {
	m := StructMapper[person]()

	db, mock := newMockDB(t)
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "Ada"))
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"name", "id"}).AddRow("Bob", 2))

	rs, err := db.Query("SELECT mock")
	assertNoError(t, err)
	if !rs.Next() {
		t.Fatal("no row")
	}
	p1, err := m(rs)
	assertNoError(t, err)
	assertNoError(t, rs.Close())

	rs, err = db.Query("SELECT mock")
	assertNoError(t, err)
	defer rs.Close()
	if !rs.Next() {
		t.Fatal("no row")
	}
	p2, err := m(rs)
	assertNoError(t, err)

	if p1.ID != 1 || p1.Name != "Ada" || p2.ID != 2 || p2.Name != "Bob" {
		t.Fatalf("rows = %+v %+v", p1, p2)
	}
}

// --------------------------------
// ValueMapper
// --------------------------------

// TestValueMapper ensures single-column rows scan straight into the type
// parameter, including NULL into a pointer, and that a wider column set is
// rejected.
func TestValueMapper(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(42).AddRow(nil))
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"a", "b"}).AddRow(1, 2))

	rs, err := db.Query("SELECT mock")
	assertNoError(t, err)
	if !rs.Next() {
		t.Fatal("no row")
	}
	n, err := ValueMapper[int]()(rs)
	assertNoError(t, err)
	if n != 42 {
		t.Fatalf("value = %d, want 42", n)
	}
	if !rs.Next() {
		t.Fatal("no second row")
	}
	p, err := ValueMapper[*int]()(rs)
	assertNoError(t, err)
	if p != nil {
		t.Fatalf("NULL scanned into %v, want nil", p)
	}
	assertNoError(t, rs.Close())

	rs, err = db.Query("SELECT mock")
	assertNoError(t, err)
	defer rs.Close()
	if !rs.Next() {
		t.Fatal("no row")
	}
	_, err = ValueMapper[int]()(rs)
	if err == nil || !strings.Contains(err.Error(), "requires 1 column") {
		t.Fatalf("expected a column count error, got: %v", err)
	}
}

// --------------------------------
// Plan cache
// --------------------------------

// TestScanPlanCache ensures plans are shared for the same column signature
// and struct type, with pointer types canonicalized.
func TestScanPlanCache(t *testing.T) {
	cols := []string{"id", "name"}

	p1, err := getScanPlan(cols, reflect.TypeOf(person{}))
	assertNoError(t, err)
	p2, err := getScanPlan([]string{"id", "name"}, reflect.TypeOf(&person{}))
	assertNoError(t, err)
	if p1 != p2 {
		t.Fatal("same signature and type produced distinct plans")
	}

	p3, err := getScanPlan([]string{"name", "id"}, reflect.TypeOf(person{}))
	assertNoError(t, err)
	if p1 == p3 {
		t.Fatal("different column order reused the same plan")
	}
}
