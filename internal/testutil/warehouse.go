package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethpandaops/matview/pkg/clickhouse"
)

// ErrWarehouseFailure is returned by Warehouse when a failure is injected.
var ErrWarehouseFailure = errors.New("injected warehouse failure")

// Table is the state the fake warehouse keeps per object.
type Table struct {
	Engine  string
	Spec    clickhouse.TableSpec
	Queries []string
	Rows    []json.RawMessage
}

// Warehouse is an in-memory stand-in for the ClickHouse warehouse. Query
// results come from Rows, and Fail injects errors per operation and id
// ("create", "insert", "query", "drop", "view", "type").
type Warehouse struct {
	mu     sync.Mutex
	tables map[string]*Table
	calls  []string

	// Rows returns the result of a SELECT.
	Rows func(query string) []json.RawMessage
	// Fail returns a non-nil error to fail an operation.
	Fail func(op, id string) error
}

// NewWarehouse creates an empty warehouse whose queries return one row.
func NewWarehouse() *Warehouse {
	return &Warehouse{
		tables: make(map[string]*Table),
		Rows: func(string) []json.RawMessage {
			return []json.RawMessage{json.RawMessage(`{"value":1}`)}
		},
	}
}

func (w *Warehouse) fail(op, id string) error {
	w.calls = append(w.calls, strings.TrimSpace(op+" "+id))

	if w.Fail == nil {
		return nil
	}

	if err := w.Fail(op, id); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrWarehouseFailure, op, id, err)
	}

	return nil
}

// Calls returns the operations performed so far as "op id".
func (w *Warehouse) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.calls...)
}

// Table returns a copy of the object state, nil when absent.
func (w *Warehouse) Table(id string) *Table {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.tables[id]
	if !ok {
		return nil
	}

	out := *t
	out.Queries = append([]string(nil), t.Queries...)
	out.Rows = append([]json.RawMessage(nil), t.Rows...)

	return &out
}

// Seed places an existing object into the warehouse.
func (w *Warehouse) Seed(id, engine string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tables[id] = &Table{Engine: engine}
}

func (w *Warehouse) TableType(_ context.Context, id string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fail("type", id); err != nil {
		return "", err
	}

	if t, ok := w.tables[id]; ok {
		return t.Engine, nil
	}

	return "", nil
}

func (w *Warehouse) TableExists(ctx context.Context, id string) (bool, error) {
	engine, err := w.TableType(ctx, id)

	return engine != "", err
}

func (w *Warehouse) DropTable(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fail("drop", id); err != nil {
		return err
	}

	delete(w.tables, id)

	return nil
}

func (w *Warehouse) CreateTableAs(_ context.Context, id string, spec clickhouse.TableSpec, query string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fail("create", id); err != nil {
		return err
	}

	if _, ok := w.tables[id]; ok {
		return fmt.Errorf("table %s already exists", id)
	}

	engine := spec.Engine
	if engine == "" {
		engine = "MergeTree"
	}

	w.tables[id] = &Table{Engine: engine, Spec: spec, Queries: []string{query}}

	return nil
}

func (w *Warehouse) CreateOrReplaceView(_ context.Context, id, query string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fail("view", id); err != nil {
		return err
	}

	if t, ok := w.tables[id]; ok && t.Engine != clickhouse.EngineView {
		return fmt.Errorf("%s is a table", id)
	}

	w.tables[id] = &Table{Engine: clickhouse.EngineView, Queries: []string{query}}

	return nil
}

func (w *Warehouse) Query(_ context.Context, query string) ([]json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fail("query", ""); err != nil {
		return nil, err
	}

	if w.Rows == nil {
		return nil, nil
	}

	return w.Rows(query), nil
}

func (w *Warehouse) InsertRows(_ context.Context, id string, rows []json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fail("insert", id); err != nil {
		return err
	}

	t, ok := w.tables[id]
	if !ok {
		return fmt.Errorf("table %s does not exist", id)
	}

	t.Rows = append(t.Rows, rows...)

	return nil
}
