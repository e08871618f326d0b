// Package postgres provides a checkpoint store that keeps task results in a
// PostgreSQL table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"

	"github.com/deepnoodle-ai/taskflow"
	"github.com/deepnoodle-ai/taskflow/tabular"
	_ "github.com/lib/pq"
)

// DefaultTable is the table used when StoreOptions.Table is empty.
const DefaultTable = "taskflow_checkpoints"

// DefaultFormat is the encoding used when StoreOptions.Format is empty.
const DefaultFormat = "msgpack"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open connects to the database at dsn using the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// StoreOptions configures a Store.
type StoreOptions struct {
	DB *sql.DB

	// Path is the key template, e.g. "counts/{sample}".
	Path string

	// Format selects the tabular codec used for the stored bytes.
	Format string

	// Shape is the Go type values are written and read as. Defaults to
	// tabular.ShapeTable.
	Shape tabular.Shape

	Table  string
	Logger *slog.Logger
}

// Store is a taskflow.Store that keeps one row per resolved path.
type Store struct {
	db       *sql.DB
	template string
	codec    tabular.Codec
	shape    tabular.Shape
	table    string
	logger   *slog.Logger
}

// NewStore returns a store for the given options. Call Migrate once to
// create the backing table.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.DB == nil {
		return nil, errors.New("postgres store requires a database")
	}
	if opts.Path == "" {
		return nil, errors.New("postgres store path required")
	}
	if _, err := taskflow.TemplateFields(opts.Path); err != nil {
		return nil, err
	}
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	codec, err := tabular.CodecFor(opts.Format)
	if err != nil {
		return nil, err
	}
	shape, err := tabular.ParseShape(string(opts.Shape))
	if err != nil {
		return nil, err
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid table name %q", opts.Table)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		db:       opts.DB,
		template: opts.Path,
		codec:    codec,
		shape:    shape,
		table:    opts.Table,
		logger:   opts.Logger,
	}, nil
}

// Migrate creates the checkpoint table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	path TEXT PRIMARY KEY,
	format TEXT NOT NULL,
	data BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, subs map[string]any) (any, error) {
	path, err := taskflow.ResolvePath(s.template, subs)
	if err != nil {
		return nil, err
	}
	var format string
	var data []byte
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT format, data FROM %s WHERE path = $1`, s.table), path)
	if err := row.Scan(&format, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", taskflow.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	table, err := tabular.Unmarshal(format, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	s.logger.Debug("read checkpoint", "path", path, "rows", table.Len())
	return s.shape.Decode(table), nil
}

func (s *Store) Write(ctx context.Context, subs map[string]any, value any) error {
	table, err := s.shape.Encode(value)
	if err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	path, err := taskflow.ResolvePath(s.template, subs)
	if err != nil {
		return err
	}
	data, err := tabular.Marshal(s.codec.Format(), table)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", path, err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (path, format, data, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (path) DO UPDATE SET format = EXCLUDED.format, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, s.table),
		path, s.codec.Format(), data)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	s.logger.Debug("wrote checkpoint", "path", path, "rows", table.Len())
	return nil
}

// Delete removes the row at the resolved path, if any.
func (s *Store) Delete(ctx context.Context, subs map[string]any) error {
	path, err := taskflow.ResolvePath(s.template, subs)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE path = $1`, s.table), path); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", path, err)
	}
	return nil
}

func (s *Store) String() string {
	return fmt.Sprintf("postgres.Store(%s:%s)", s.table, s.template)
}

// StoreFactory returns a factory for graph definitions whose checkpoints use
// the "postgres" store. The checkpoint path is the key template.
func StoreFactory(db *sql.DB, logger *slog.Logger) taskflow.StoreFactory {
	return func(def *taskflow.CheckpointDefinition) (taskflow.Store, error) {
		shape, err := def.TableShape()
		if err != nil {
			return nil, err
		}
		return NewStore(StoreOptions{DB: db, Path: def.Path, Shape: shape, Logger: logger})
	}
}
