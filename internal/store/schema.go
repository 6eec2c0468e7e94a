package store

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

// queueRow is one pending or in-flight job. Index is assigned by the
// Scheduler's producer-side counter, not by SQLite autoincrement, so
// that a resumed queue can continue the same sequence.
type queueRow struct {
	bun.BaseModel `bun:"table:queue,alias:queue"`

	Index    int64  `bun:"index,pk"`
	Status   int    `bun:"status,notnull,default:0"`
	Id       string `bun:"id,notnull"`
	URL      string `bun:"url,notnull"`
	Group    string `bun:"group,nullzero"`
	Depth    int    `bun:"depth,notnull"`
	Spider   string `bun:"spider,nullzero"`
	Priority int    `bun:"priority,notnull"`
	Data     []byte `bun:"data"`
	Parent   string `bun:"parent,nullzero"`
	Attempts int    `bun:"attempts,notnull"`
}

const (
	statusReady    = 0
	statusInFlight = 1
)

// throttleRow holds the earliest time a group's next job may be
// selected. Absence of a row for a group means the group is
// unthrottled.
type throttleRow struct {
	bun.BaseModel `bun:"table:throttle,alias:throttle"`

	Group     string  `bun:"group,pk"`
	Timestamp float64 `bun:"timestamp,notnull"`
}

// parallelismRow holds the number of in-flight jobs for a group.
// Absence of a row for a group means the group has no jobs in flight.
type parallelismRow struct {
	bun.BaseModel `bun:"table:parallelism,alias:parallelism"`

	Group string `bun:"group,pk"`
	Count int    `bun:"count,notnull"`
}

func createTable(ctx context.Context, db bun.IDB, model any, indexes ...func(ctx context.Context, db bun.IDB) error) error {
	if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := idx(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func createQueuePriorityIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*queueRow)(nil)).
		Index("idx_queue_priority_index").
		Column("priority", "index").
		IfNotExists().
		Exec(ctx)
	return err
}

func createQueueStatusIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*queueRow)(nil)).
		Index("idx_queue_status").
		Column("status").
		IfNotExists().
		Exec(ctx)
	return err
}

func createThrottleTimestampIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*throttleRow)(nil)).
		Index("idx_throttle_timestamp").
		Column("timestamp").
		IfNotExists().
		Exec(ctx)
	return err
}

// createSchema creates the queue, throttle and parallelism tables and
// their indexes inside a single transaction. It is idempotent.
func createSchema(ctx context.Context, db *bun.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := createTable(ctx, tx, (*queueRow)(nil), createQueuePriorityIndex, createQueueStatusIndex); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createTable(ctx, tx, (*throttleRow)(nil), createThrottleTimestampIndex); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createTable(ctx, tx, (*parallelismRow)(nil)); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}
