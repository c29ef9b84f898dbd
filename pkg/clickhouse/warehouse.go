package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethpandaops/matview/pkg/viewid"
	"github.com/sirupsen/logrus"
)

// EngineView is the engine ClickHouse reports for plain views.
const EngineView = "View"

// TableSpec describes the physical layout of a materialized table.
type TableSpec struct {
	Engine      string
	PartitionBy string
	OrderBy     string
}

// Warehouse maintains managed views as ClickHouse tables and views. View IDs
// ("dataset.view") map to database.table, with the configured database prefix.
type Warehouse struct {
	log    logrus.FieldLogger
	client ClientInterface
	cfg    *Config
}

// NewWarehouse creates a warehouse on top of client.
func NewWarehouse(log logrus.FieldLogger, client ClientInterface, cfg *Config) *Warehouse {
	return &Warehouse{
		log:    log.WithField("component", "warehouse"),
		client: client,
		cfg:    cfg,
	}
}

func (w *Warehouse) names(id string) (database, table string, err error) {
	dataset, view, err := viewid.Parse(id)
	if err != nil {
		return "", "", err
	}

	return w.cfg.MapDatabase(dataset), view, nil
}

// Qualify returns the quoted physical name of a view.
func (w *Warehouse) Qualify(id string) (string, error) {
	database, table, err := w.names(id)
	if err != nil {
		return "", err
	}

	return quoteIdent(database) + "." + quoteIdent(table), nil
}

func (w *Warehouse) onCluster() string {
	if w.cfg.Cluster == "" {
		return ""
	}

	return " ON CLUSTER " + quoteIdent(w.cfg.Cluster)
}

// TableType returns the engine of the table or view, or "" when it does not exist.
func (w *Warehouse) TableType(ctx context.Context, id string) (string, error) {
	database, table, err := w.names(id)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`
		SELECT engine
		FROM system.tables
		WHERE database = %s AND name = %s
	`, quoteString(database), quoteString(table))

	var result struct {
		Engine string `json:"engine"`
	}

	if err := w.client.QueryOne(ctx, query, &result); err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", id, err)
	}

	return result.Engine, nil
}

// TableExists checks if the table or view exists
func (w *Warehouse) TableExists(ctx context.Context, id string) (bool, error) {
	engine, err := w.TableType(ctx, id)
	if err != nil {
		return false, err
	}

	return engine != "", nil
}

// DropTable drops the table or view; a missing one is not an error.
func (w *Warehouse) DropTable(ctx context.Context, id string) error {
	name, err := w.Qualify(id)
	if err != nil {
		return err
	}

	if _, err := w.client.Execute(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s%s SYNC", name, w.onCluster())); err != nil {
		return fmt.Errorf("failed to drop %s: %w", id, err)
	}

	w.log.WithField("view_id", id).Info("Dropped table")

	return nil
}

// CreateTableAs creates the table and fills it from query in one statement.
func (w *Warehouse) CreateTableAs(ctx context.Context, id string, spec TableSpec, query string) error {
	name, err := w.Qualify(id)
	if err != nil {
		return err
	}

	if err := w.ensureDatabase(ctx, id); err != nil {
		return err
	}

	engine := spec.Engine
	if engine == "" {
		engine = "MergeTree"
	}

	orderBy := spec.OrderBy
	if orderBy == "" {
		orderBy = "tuple()"
	}

	var stmt strings.Builder

	fmt.Fprintf(&stmt, "CREATE TABLE %s%s\nENGINE = %s\n", name, w.onCluster(), engine)

	if spec.PartitionBy != "" {
		fmt.Fprintf(&stmt, "PARTITION BY %s\n", spec.PartitionBy)
	}

	fmt.Fprintf(&stmt, "ORDER BY %s\nAS\n%s", orderBy, strings.TrimRight(strings.TrimSpace(query), ";"))

	if _, err := w.client.Execute(ctx, stmt.String()); err != nil {
		return fmt.Errorf("failed to create %s: %w", id, err)
	}

	w.log.WithFields(logrus.Fields{
		"view_id":      id,
		"engine":       engine,
		"partition_by": spec.PartitionBy,
	}).Info("Created table")

	return nil
}

// CreateOrReplaceView (re)defines a plain view.
func (w *Warehouse) CreateOrReplaceView(ctx context.Context, id, query string) error {
	name, err := w.Qualify(id)
	if err != nil {
		return err
	}

	if err := w.ensureDatabase(ctx, id); err != nil {
		return err
	}

	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s%s AS\n%s", name, w.onCluster(), strings.TrimRight(strings.TrimSpace(query), ";"))

	if _, err := w.client.Execute(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create view %s: %w", id, err)
	}

	w.log.WithField("view_id", id).Info("Replaced view")

	return nil
}

// Query runs a SELECT and returns its rows.
func (w *Warehouse) Query(ctx context.Context, query string) ([]json.RawMessage, error) {
	return w.client.QueryRows(ctx, query)
}

// InsertRows bulk inserts rows into the view's table.
func (w *Warehouse) InsertRows(ctx context.Context, id string, rows []json.RawMessage) error {
	name, err := w.Qualify(id)
	if err != nil {
		return err
	}

	return w.client.InsertRows(ctx, name, rows)
}

func (w *Warehouse) ensureDatabase(ctx context.Context, id string) error {
	database, _, err := w.names(id)
	if err != nil {
		return err
	}

	if _, err := w.client.Execute(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s%s", quoteIdent(database), w.onCluster())); err != nil {
		return fmt.Errorf("failed to create database %s: %w", database, err)
	}

	return nil
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func quoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)

	return "'" + r.Replace(s) + "'"
}
