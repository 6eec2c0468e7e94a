package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
)

// Row is an exported snapshot of a queue row, handed back to the
// scheduler so it can reconstruct a job.Job without this package
// exposing its unexported bun model.
type Row struct {
	Index    int64
	Id       string
	URL      string
	Group    string
	Depth    int
	Spider   string
	Priority int
	Data     []byte
	Parent   string
	Attempts uint32
}

// Insert describes one row to be written by InsertJobs. Index must be
// assigned by the caller (the scheduler's producer-side counter)
// before calling.
type Insert struct {
	Index    int64
	Id       string
	URL      string
	Group    string
	Depth    int
	Spider   string
	Priority int
	Data     []byte
	Parent   string
	Attempts uint32
}

// InsertJobs inserts all of rows in a single transaction over the put
// connection. Either every row is inserted, or none are.
func (s *Store) InsertJobs(ctx context.Context, rows []Insert) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	models := make([]queueRow, len(rows))
	for i, r := range rows {
		models[i] = queueRow{
			Index:    r.Index,
			Status:   statusReady,
			Id:       r.Id,
			URL:      r.URL,
			Group:    r.Group,
			Depth:    r.Depth,
			Spider:   r.Spider,
			Priority: r.Priority,
			Data:     r.Data,
			Parent:   r.Parent,
			Attempts: int(r.Attempts),
		}
	}
	res, err := s.putDB.NewInsert().Model(&models).Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return n, nil
}

// SelectEligible returns the highest-priority eligible row (status
// ready, throttle elapsed or absent, parallelism under cap or absent)
// ordered by (priority, index) with the index direction given by lifo,
// or (nil, nil) if no row qualifies.
func (s *Store) SelectEligible(ctx context.Context, lifo bool, parallelismCap int, now float64) (*Row, error) {
	dir := "ASC"
	if lifo {
		dir = "DESC"
	}
	var row queueRow
	err := s.taskDB.NewSelect().
		Model(&row).
		Join(`LEFT JOIN "throttle" ON "throttle"."group" = "queue"."group"`).
		Join(`LEFT JOIN "parallelism" ON "parallelism"."group" = "queue"."group"`).
		Where(`"queue"."status" = 0`).
		Where(`("throttle"."timestamp" IS NULL OR "throttle"."timestamp" <= ?)`, now).
		Where(`("parallelism"."count" IS NULL OR "parallelism"."count" < ?)`, parallelismCap).
		OrderExpr(`"queue"."priority" ASC, "queue"."index" ` + dir).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &Row{
		Index: row.Index, Id: row.Id, URL: row.URL, Group: row.Group,
		Depth: row.Depth, Spider: row.Spider, Priority: row.Priority,
		Data: row.Data, Parent: row.Parent, Attempts: uint32(row.Attempts),
	}, nil
}

// ReserveRow transitions a row to in-flight and, if group is non-empty,
// increments its parallelism count. Both writes happen in one
// transaction over the task connection.
func (s *Store) ReserveRow(ctx context.Context, index int64, group string) error {
	tx, err := s.taskDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.NewUpdate().
		Model((*queueRow)(nil)).
		Set(`"status" = ?`, statusInFlight).
		Where(`"index" = ?`, index).
		Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if group != "" {
		if err := incrementParallelism(ctx, tx, group); err != nil {
			return errors.Join(err, tx.Rollback())
		}
	}
	return tx.Commit()
}

func incrementParallelism(ctx context.Context, db bun.IDB, group string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO "parallelism" ("group", "count") VALUES (?, 1)
		ON CONFLICT("group") DO UPDATE SET "count" = "count" + 1;
	`, group)
	return err
}

// CountPending returns the number of status=ready rows.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	return s.taskDB.NewSelect().
		Model((*queueRow)(nil)).
		Where(`"status" = 0`).
		Count(ctx)
}

// MinThrottleTimestamp returns the earliest throttle timestamp across
// all groups, or nil if no throttle rows exist.
func (s *Store) MinThrottleTimestamp(ctx context.Context) (*float64, error) {
	var min sql.NullFloat64
	err := s.taskDB.NewSelect().
		Model((*throttleRow)(nil)).
		ColumnExpr(`MIN("timestamp")`).
		Scan(ctx, &min)
	if err != nil {
		return nil, err
	}
	if !min.Valid {
		return nil, nil
	}
	return &min.Float64, nil
}

// CompleteRow performs the task_done mutation: deletes the queue row,
// decrements the group's parallelism count (no-op if group is empty),
// and — if throttleSeconds > 0 — upserts the group's throttle
// timestamp to now+throttleSeconds. All in one transaction.
func (s *Store) CompleteRow(ctx context.Context, index int64, group string, throttleSeconds, now float64) error {
	tx, err := s.taskDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.NewDelete().
		Model((*queueRow)(nil)).
		Where(`"index" = ?`, index).
		Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if group != "" {
		if _, err := tx.NewUpdate().
			Model((*parallelismRow)(nil)).
			Set(`"count" = "count" - 1`).
			Where(`"group" = ?`, group).
			Exec(ctx); err != nil {
			return errors.Join(err, tx.Rollback())
		}
		if throttleSeconds > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO "throttle" ("group", "timestamp") VALUES (?, ?)
				ON CONFLICT("group") DO UPDATE SET "timestamp" = excluded."timestamp";
			`, group, now+throttleSeconds); err != nil {
				return errors.Join(err, tx.Rollback())
			}
		}
	}
	return tx.Commit()
}

// WorkedGroups returns a snapshot of groups with a positive in-flight
// count.
func (s *Store) WorkedGroups(ctx context.Context) (map[string]int, error) {
	var rows []parallelismRow
	if err := s.taskDB.NewSelect().
		Model(&rows).
		Where(`"count" > 0`).
		Scan(ctx); err != nil {
		return nil, err
	}
	ret := make(map[string]int, len(rows))
	for _, r := range rows {
		ret[r.Group] = r.Count
	}
	return ret, nil
}

// ClearScheduling deletes all parallelism and throttle rows (but not
// pending queue rows) and compacts the database.
func (s *Store) ClearScheduling(ctx context.Context) error {
	tx, err := s.taskDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.NewDelete().Model((*parallelismRow)(nil)).Where("1 = 1").Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if _, err := tx.NewDelete().Model((*throttleRow)(nil)).Where("1 = 1").Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = s.taskDB.ExecContext(ctx, "VACUUM;")
	return err
}

// Cleanup deletes parallelism rows whose count has dropped to zero (or
// below, which should not happen but is tolerated) and throttle rows
// that have already expired, then compacts the database.
func (s *Store) Cleanup(ctx context.Context, now float64) error {
	tx, err := s.taskDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.NewDelete().
		Model((*parallelismRow)(nil)).
		Where(`"count" < 1`).
		Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if _, err := tx.NewDelete().
		Model((*throttleRow)(nil)).
		Where(`"timestamp" < ?`, now).
		Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = s.taskDB.ExecContext(ctx, "VACUUM;")
	return err
}
