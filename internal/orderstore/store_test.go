package orderstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	return assign(r.data[r.idx-1], dest)
}

func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func sampleOrder() *Order {
	return NewOrder("sess-1", "call_1", []LineItem{
		{Quantity: 2, Value: 3.5, Description: "Taco"},
		{Quantity: 1, Value: 10, Description: "Burrito", SpecialInstructions: "no onions"},
	}, "17.0")
}

// ---------------------------------------------------------------------------
// Order
// ---------------------------------------------------------------------------

func TestOrder_Validate(t *testing.T) {
	t.Parallel()
	if err := sampleOrder().Validate(); err != nil {
		t.Fatalf("valid order: %v", err)
	}

	bad := &Order{ID: "not-a-uuid", Items: []LineItem{{Quantity: -1}}}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"not a uuid", "total must not be empty", "items[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

// ---------------------------------------------------------------------------
// MemStore
// ---------------------------------------------------------------------------

func TestMemStore_CreateGetList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	first := sampleOrder()
	second := sampleOrder()
	for _, o := range []*Order{first, second} {
		if err := s.Create(ctx, o); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if o.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}
	}

	got, err := s.Get(ctx, first.ID)
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.Total != "17.0" || len(got.Items) != 2 {
		t.Errorf("Get returned %+v", got)
	}

	list, _ := s.List(ctx, 0)
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("List order wrong: %+v", list)
	}
	limited, _ := s.List(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("List(1) returned %d orders", len(limited))
	}

	if err := s.Create(ctx, first); err == nil {
		t.Error("expected duplicate id error")
	}
	missing, err := s.Get(ctx, "nope")
	if missing != nil || err != nil {
		t.Errorf("Get(missing) = %v, %v", missing, err)
	}
}

// ---------------------------------------------------------------------------
// PostgresStore
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	var executed string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		executed = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(executed, "CREATE TABLE IF NOT EXISTS orders") {
		t.Error("Migrate did not execute Schema")
	}

	failing := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("boom")
	}}
	err := NewPostgresStore(failing).Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "orderstore: migrate") {
		t.Errorf("err = %v", err)
	}
}

func TestPostgresStore_Create(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var gotArgs []any
	db := &mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
		gotArgs = args
		return &mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*time.Time)) = created
			return nil
		}}
	}}

	o := sampleOrder()
	if err := NewPostgresStore(db).Create(context.Background(), o); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !o.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", o.CreatedAt, created)
	}
	if len(gotArgs) != 5 || gotArgs[0] != o.ID || gotArgs[4] != "17.0" {
		t.Fatalf("args = %v", gotArgs)
	}
	var items []LineItem
	if err := json.Unmarshal(gotArgs[3].([]byte), &items); err != nil {
		t.Fatalf("items arg is not JSON: %v", err)
	}
	if len(items) != 2 || items[1].SpecialInstructions != "no onions" {
		t.Errorf("items = %+v", items)
	}
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(...any) error { return &pgconn.PgError{Code: "23505"} }}
	}}
	err := NewPostgresStore(db).Create(context.Background(), sampleOrder())
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("err = %v, want duplicate error", err)
	}
}

func TestPostgresStore_CreateInvalid(t *testing.T) {
	t.Parallel()
	called := false
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		called = true
		return &mockRow{scanFunc: func(...any) error { return nil }}
	}}
	if err := NewPostgresStore(db).Create(context.Background(), &Order{}); err == nil {
		t.Fatal("expected validation error")
	}
	if called {
		t.Error("database queried for an invalid order")
	}
}

func TestPostgresStore_Get(t *testing.T) {
	t.Parallel()
	o := sampleOrder()
	items, _ := json.Marshal(o.Items)
	created := time.Now().UTC()
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != o.ID {
			return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
		}
		return &mockRow{scanFunc: func(dest ...any) error {
			return assign([]any{o.ID, o.SessionID, o.CallID, items, o.Total, created}, dest)
		}}
	}}
	s := NewPostgresStore(db)

	got, err := s.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CallID != "call_1" || len(got.Items) != 2 || got.Items[0].Description != "Taco" {
		t.Errorf("Get = %+v", got)
	}

	missing, err := s.Get(context.Background(), "other")
	if missing != nil || err != nil {
		t.Errorf("Get(missing) = %v, %v", missing, err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()
	items := []byte(`[{"quantity":1,"value":2}]`)
	now := time.Now()
	rows := &mockRows{data: [][]any{
		{"b", "s", "c2", items, "2", now},
		{"a", "s", "c1", items, "2", now.Add(-time.Minute)},
	}}
	var gotSQL string
	var gotArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return rows, nil
	}}

	orders, err := NewPostgresStore(db).List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "b" || orders[1].Items[0].Value != 2 {
		t.Errorf("orders = %+v", orders)
	}
	if !strings.Contains(gotSQL, "LIMIT $1") || len(gotArgs) != 1 || gotArgs[0] != 10 {
		t.Errorf("query = %q args = %v", gotSQL, gotArgs)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestPostgresStore_ListScanError(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{data: [][]any{{"x"}}, scanErr: errors.New("bad")}, nil
	}}
	if _, err := NewPostgresStore(db).List(context.Background(), 0); err == nil {
		t.Fatal("expected scan error")
	}
}
