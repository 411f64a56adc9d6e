package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// PurgeResult reports the outcome of a purge operation, per §4.5.
type PurgeResult struct {
	Removed        int64
	UnsentPurged   int64
	UnsentRetained int64
	Readings       int64 // rows remaining after the purge
}

// Buffer is the SQL-backed reading buffer (C5). It assigns monotonic ids
// on append, and guarantees a concurrent append/fetch is serializable
// and that fetch never returns an id that is not yet durable, by doing
// both under the database's own transactional isolation.
type Buffer struct {
	db   *sqlx.DB
	pool *pool
	cfg  PoolConfig
}

// Open connects to dsn (a Postgres connection string; SQLite is
// supported through the same operation surface by swapping the driver,
// per §4.5's "consumed through the operations the data plane requires")
// and ensures the readings table exists.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*Buffer, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db := sqlx.NewDb(sqlDB, "pgx")
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	b := &Buffer{db: db, pool: newPool(sqlDB, cfg), cfg: cfg}
	if err := b.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := b.ensureManagementSchema(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Buffer) ensureSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS readings (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	asset TEXT NOT NULL,
	uuid TEXT,
	user_ts TIMESTAMPTZ NOT NULL,
	system_ts TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
)`)
	return err
}

// Close releases the underlying connection pool.
func (b *Buffer) Close() error { return b.pool.close() }

// DB exposes the underlying handle so sibling components that persist
// their own tables in the same database (the stream cursor store, the
// schema-extension registry) can share one connection rather than
// opening a second pool.
func (b *Buffer) DB() *sqlx.DB { return b.db }

// Append assigns monotonic ids and persists batch atomically in one
// transaction per batch, returning the number of accepted rows.
func (b *Buffer) Append(ctx context.Context, batch []*reading.Reading) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	var accepted int
	err := withRetry(ctx, b.cfg, isLockBusy, func() error {
		accepted = 0
		tx, err := b.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, r := range batch {
			payload, _, err := r.ToJSON(false)
			if err != nil {
				return err
			}
			var id uint64
			row := tx.QueryRowContext(ctx,
				`INSERT INTO readings (asset, uuid, user_ts, system_ts, payload) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
				r.Asset, r.UUID, r.UserTS, r.SystemTS, payload)
			if err := row.Scan(&id); err != nil {
				return err
			}
			r.ID = id
			r.HasID = true
			accepted++
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return accepted, nil
}

// StreamAppend is the batched-append path used by the stream handler
// (C6). When commit is true the batch is durable before this returns;
// when false, callers may still pass partial block accumulations and
// rely on a later call in the same block to commit.
func (b *Buffer) StreamAppend(ctx context.Context, batch []*reading.Reading, commit bool) error {
	_, err := b.Append(ctx, batch)
	// This backend always commits per-call; "commit" only documents the
	// caller's intent that the block boundary has been reached, since the
	// SQL layer has no partial/uncommitted append primitive to defer to.
	_ = commit
	return err
}

// Fetch returns rows with id > afterID ordered by id ascending, up to
// maxCount.
func (b *Buffer) Fetch(ctx context.Context, afterID uint64, maxCount int) (*reading.Set, error) {
	rows, err := b.db.QueryxContext(ctx,
		`SELECT id, asset, uuid, user_ts, system_ts, payload FROM readings WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		afterID, maxCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// Query executes a richer predicate for statistics/audit sources. The
// predicate is a flat JSON object of column -> equality value; this is
// the narrow shape §4.5/§9 call for, not a general query language.
func (b *Buffer) Query(ctx context.Context, table string, whereJSON string) (*reading.Set, error) {
	var where map[string]interface{}
	if whereJSON != "" {
		if err := json.Unmarshal([]byte(whereJSON), &where); err != nil {
			return nil, fmt.Errorf("storage: invalid where clause: %w", err)
		}
	}

	var clauses []string
	var args []interface{}
	i := 1
	for col, val := range where {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", sanitizeIdent(col), i))
		args = append(args, val)
		i++
	}

	query := fmt.Sprintf("SELECT id, asset, uuid, user_ts, system_ts, payload FROM %s", sanitizeIdent(table))
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := b.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// FetchStatistics implements the "statistics" north source mode: it
// queries statistics_history and renames key→asset_code, history_ts→
// user_ts, per §4.7.
func (b *Buffer) FetchStatistics(ctx context.Context, afterID uint64, maxCount int) (*reading.Set, error) {
	rows, err := b.db.QueryxContext(ctx,
		`SELECT id, key, value, history_ts FROM statistics_history WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		afterID, maxCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*reading.Reading
	for rows.Next() {
		var id uint64
		var key string
		var value float64
		var ts time.Time
		if err := rows.Scan(&id, &key, &value, &ts); err != nil {
			return nil, err
		}
		out = append(out, &reading.Reading{
			ID: id, HasID: true, UUID: uuid.NewString(),
			Asset: key, UserTS: ts, SystemTS: ts,
			Datapoints: []reading.Datapoint{{Name: "value", Value: reading.NewFloat(value)}},
		})
	}
	return reading.NewSet(out), rows.Err()
}

// FetchAudit implements the "audit" north source mode: it queries the
// log table and renames code→asset_code, ts→user_ts, per §4.7.
func (b *Buffer) FetchAudit(ctx context.Context, afterID uint64, maxCount int) (*reading.Set, error) {
	rows, err := b.db.QueryxContext(ctx,
		`SELECT id, code, ts, log FROM log WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		afterID, maxCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*reading.Reading
	for rows.Next() {
		var id uint64
		var code string
		var ts time.Time
		var logBlob []byte
		if err := rows.Scan(&id, &code, &ts, &logBlob); err != nil {
			return nil, err
		}
		out = append(out, &reading.Reading{
			ID: id, HasID: true, UUID: uuid.NewString(),
			Asset: code, UserTS: ts, SystemTS: ts,
			Datapoints: []reading.Datapoint{{Name: "log", Value: reading.NewString(string(logBlob))}},
		})
	}
	return reading.NewSet(out), rows.Err()
}

// PurgeByAge deletes rows older than now-seconds. If retainUnsent is
// set, rows with id > lastSent are never deleted, per the invariant in
// §4.5/§8.
func (b *Buffer) PurgeByAge(ctx context.Context, seconds int64, retainUnsent bool, lastSent uint64) (PurgeResult, error) {
	cutoff := time.Now().Add(-time.Duration(seconds) * time.Second)
	return b.purge(ctx, "user_ts < $1", []interface{}{cutoff}, retainUnsent, lastSent)
}

// PurgeByRows deletes the oldest rows until at most targetRows remain.
func (b *Buffer) PurgeByRows(ctx context.Context, targetRows int64, retainUnsent bool, lastSent uint64) (PurgeResult, error) {
	var total int64
	if err := b.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM readings"); err != nil {
		return PurgeResult{}, err
	}
	if total <= targetRows {
		return PurgeResult{Readings: total}, nil
	}
	excess := total - targetRows
	cond := fmt.Sprintf("id IN (SELECT id FROM readings ORDER BY id ASC LIMIT %d)", excess)
	return b.purge(ctx, cond, nil, retainUnsent, lastSent)
}

func (b *Buffer) purge(ctx context.Context, cond string, args []interface{}, retainUnsent bool, lastSent uint64) (PurgeResult, error) {
	var result PurgeResult
	err := withRetry(ctx, b.cfg, isLockBusy, func() error {
		tx, err := b.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var unsentMatching int64
		if err := tx.GetContext(ctx, &unsentMatching,
			fmt.Sprintf("SELECT COUNT(*) FROM readings WHERE (%s) AND id > %d", cond, lastSent), args...); err != nil {
			return err
		}

		deleteCond := cond
		if retainUnsent {
			deleteCond = fmt.Sprintf("(%s) AND id <= %d", cond, lastSent)
			result.UnsentRetained = unsentMatching
		} else {
			result.UnsentPurged = unsentMatching
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM readings WHERE %s", deleteCond), args...)
		if err != nil {
			return err
		}
		removed, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result.Removed = removed

		if err := tx.GetContext(ctx, &result.Readings, "SELECT COUNT(*) FROM readings"); err != nil {
			return err
		}
		return tx.Commit()
	})
	return result, err
}

// PurgeByAsset deletes every row for asset and reports the count removed.
func (b *Buffer) PurgeByAsset(ctx context.Context, asset string) (int64, error) {
	var removed int64
	err := withRetry(ctx, b.cfg, isLockBusy, func() error {
		res, err := b.db.ExecContext(ctx, "DELETE FROM readings WHERE asset = $1", asset)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

func scanRows(rows *sqlx.Rows) (*reading.Set, error) {
	var out []*reading.Reading
	for rows.Next() {
		var id uint64
		var asset, uuid string
		var userTS, systemTS time.Time
		var payload []byte
		if err := rows.Scan(&id, &asset, &uuid, &userTS, &systemTS, &payload); err != nil {
			return nil, err
		}
		r, err := reading.FromJSON(payload)
		if err != nil {
			return nil, err
		}
		r.ID = id
		r.HasID = true
		r.Asset = asset
		r.UUID = uuid
		r.UserTS = userTS
		r.SystemTS = systemTS
		out = append(out, r)
	}
	return reading.NewSet(out), rows.Err()
}

// isLockBusy recognizes Postgres lock-contention/serialization-failure
// conditions and the SQLite "database is locked"/"busy" message, since
// the spec's storage layer targets either backend through the same
// operation surface (§4.5/§9).
func isLockBusy(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func asPgError(err error, target **pgconn.PgError) bool {
	type pgErrorWrapper interface{ Unwrap() error }
	for err != nil {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		w, ok := err.(pgErrorWrapper)
		if !ok {
			return false
		}
		err = w.Unwrap()
	}
	return false
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
