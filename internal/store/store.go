package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// Options configures Open. It mirrors the construction options
// enumerated in the scheduler's external interface.
type Options struct {
	// Path is the directory holding the database file. Empty means
	// in-memory, non-persistent, non-resumable.
	Path string

	// DBName is the filename within Path. Defaults to "queue.db".
	DBName string

	// Resume reopens an existing file instead of recreating it, when
	// one exists at Path/DBName.
	Resume bool
}

// Store is the embedded relational store backing a Scheduler: the
// queue, throttle and parallelism tables, reached through two
// independent connections so producer inserts and consumer selection
// never block each other beyond SQLite's own write serialization.
type Store struct {
	putDB  *bun.DB
	taskDB *bun.DB

	Persistent bool
	Resumed    bool
}

var memoryInstances atomic.Int64

// dsn returns the connection string both the put and task connections
// of one Store must share. For in-memory stores this must be computed
// once per Store (not once per connection): the shared-cache id in the
// URI is what makes the two connections see the same database, so
// calling this twice for the same Store would silently give the put
// and task connections two different, unrelated databases.
func dsn(path string) string {
	if path == "" {
		id := memoryInstances.Add(1)
		return fmt.Sprintf("file:crawlqueue_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", id)
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func openConn(dsn string) (*bun.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Each connection is single-threaded by the scheduler's own locks;
	// modernc.org/sqlite does not support concurrent writers per handle.
	sqlDB.SetMaxOpenConns(1)
	return bun.NewDB(sqlDB, sqlitedialect.New()), nil
}

// Open opens (or creates) the store described by opts.
//
// If opts.Path is empty, an in-memory, non-persistent, non-resumable
// database is opened. Otherwise, if opts.Resume is true and the
// database file already exists, the store is reopened in "resuming"
// mode: in-flight rows are reset, parallelism is cleared, and expired
// throttle rows are pruned. Otherwise any existing directory contents
// are discarded and a fresh schema is created.
func Open(ctx context.Context, opts Options) (*Store, error) {
	name := opts.DBName
	if name == "" {
		name = "queue.db"
	}

	persistent := opts.Path != ""
	resuming := false
	var full string

	if persistent {
		full = filepath.Join(opts.Path, name)
		if opts.Resume {
			if _, err := os.Stat(full); err == nil {
				resuming = true
			}
		}
		if !resuming {
			if err := os.RemoveAll(opts.Path); err != nil {
				return nil, fmt.Errorf("store: clearing %s: %w", opts.Path, err)
			}
		}
		if err := os.MkdirAll(opts.Path, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", opts.Path, err)
		}
	} else {
		full = ""
	}

	connDSN := dsn(full)

	putDB, err := openConn(connDSN)
	if err != nil {
		return nil, fmt.Errorf("store: opening put connection: %w", err)
	}
	taskDB, err := openConn(connDSN)
	if err != nil {
		_ = putDB.Close()
		return nil, fmt.Errorf("store: opening task connection: %w", err)
	}

	s := &Store{putDB: putDB, taskDB: taskDB, Persistent: persistent, Resumed: resuming}

	if resuming {
		if err := s.resume(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	} else if err := createSchema(ctx, taskDB); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	return s, nil
}

func (s *Store) resume(ctx context.Context) error {
	tx, err := s.taskDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE "queue" SET "status" = 0 WHERE "status" <> 0;`); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM "parallelism";`); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	now := float64(time.Now().UnixNano()) / 1e9
	if _, err := tx.ExecContext(ctx, `DELETE FROM "throttle" WHERE "timestamp" < ?;`, now); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = s.taskDB.ExecContext(ctx, "VACUUM;")
	return err
}

// MaxIndex returns the highest assigned queue index, or -1 if the
// queue table is empty. Callers seed their insertion counter with
// MaxIndex()+1.
func (s *Store) MaxIndex(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.taskDB.NewSelect().
		Model((*queueRow)(nil)).
		ColumnExpr("MAX(\"index\")").
		Scan(ctx, &max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

// Close closes both connections. Safe to call more than once.
func (s *Store) Close() error {
	err1 := s.putDB.Close()
	err2 := s.taskDB.Close()
	return errors.Join(err1, err2)
}
