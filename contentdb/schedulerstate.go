// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package contentdb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LastRun returns the persisted last-fired instant of a scheduled job. The
// second return reports whether the job has ever fired.
func (db *DB) LastRun(ctx context.Context, jobName string) (_ time.Time, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var lastRun time.Time
	err = db.db.GetContext(ctx, &lastRun,
		`SELECT last_run FROM scheduler_state WHERE job_name = $1`, jobName)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, Error.Wrap(err)
	}
	return lastRun.UTC(), true, nil
}

// SetLastRun persists the last-fired instant of a scheduled job so a
// restart does not double-fire.
func (db *DB) SetLastRun(ctx context.Context, jobName string, firedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO scheduler_state (job_name, last_run) VALUES ($1, $2)
		ON CONFLICT (job_name) DO UPDATE SET last_run = EXCLUDED.last_run
	`, jobName, firedAt.UTC())
	return Error.Wrap(err)
}
