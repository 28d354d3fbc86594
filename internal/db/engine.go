package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/randalmurphal/orcflow/internal/db/driver"
)

// SchemaEngine is the migration set applied to every engine database.
const SchemaEngine = "engine"

// querier is satisfied by both *DB and *TxOps so row helpers can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxOps provides database operations within a transaction.
// The context given to RunInTx is used for every statement, so cancellation
// propagates through the whole transaction.
type TxOps struct {
	tx      driver.Tx
	dialect driver.Dialect
	ctx     context.Context
}

func (t *TxOps) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, query, args...)
}

func (t *TxOps) QueryContext(_ context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, query, args...)
}

func (t *TxOps) QueryRowContext(_ context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, query, args...)
}

// Context returns the context associated with this transaction.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

// Dialect returns the database dialect.
func (t *TxOps) Dialect() driver.Dialect {
	return t.dialect
}

// EngineDB provides operations on the engine database.
type EngineDB struct {
	*DB
}

// DefaultPath returns the default SQLite location under the given home dir.
func DefaultPath(home string) string {
	return filepath.Join(home, ".orc", "orcflow.db")
}

// OpenEngine opens (and migrates) the engine database.
func OpenEngine(ctx context.Context, dialect driver.Dialect, dsn string) (*EngineDB, error) {
	d, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx, SchemaEngine); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate engine db: %w", err)
	}
	return &EngineDB{DB: d}, nil
}

// OpenEngineInMemory opens an isolated, migrated in-memory engine database.
func OpenEngineInMemory(ctx context.Context) (*EngineDB, error) {
	d, err := OpenInMemory()
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx, SchemaEngine); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate engine db: %w", err)
	}
	return &EngineDB{DB: d}, nil
}

// RunInTx executes fn within a database transaction.
// If fn returns an error, the transaction is rolled back; otherwise it is
// committed.
func (e *EngineDB) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := e.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txOps := &TxOps{tx: tx, dialect: e.Dialect(), ctx: ctx}
	if err := fn(txOps); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
