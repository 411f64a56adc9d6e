package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ensureManagementSchema creates the statistics, asset-tracking, and
// filter-state tables named in §6's persisted state layout. These are
// data-plane tables the core writes directly; the category CRUD
// workflow around them (the management REST API) stays out of scope
// per §1, but the tables themselves belong to the storage engine.
func (b *Buffer) ensureManagementSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS statistics (
			key TEXT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS asset_tracking (
			service TEXT NOT NULL,
			plugin TEXT NOT NULL,
			asset TEXT NOT NULL,
			event TEXT NOT NULL,
			PRIMARY KEY (service, plugin, asset, event)
		)`,
		`CREATE TABLE IF NOT EXISTS filter_state (
			state_key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: ensure management schema: %w", err)
		}
	}
	return nil
}

// UpdateCounters implements south.StatsSink: a single upsert per delta,
// issued once per stats-writer wakeup (the caller coalesces increments
// before calling this), per §4.4.
func (b *Buffer) UpdateCounters(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	return withRetry(ctx, b.cfg, isLockBusy, func() error {
		tx, err := b.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for key, delta := range deltas {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO statistics (key, value) VALUES ($1, $2)
				ON CONFLICT (key) DO UPDATE SET value = statistics.value + EXCLUDED.value`,
				strings.ToUpper(key), delta); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// RegisterAssetTracking backs south.Registrar (through the adapter in
// cmd/edged): persists a (service, plugin, asset, event) tuple on first
// sight, per §3/§4.4.
func (b *Buffer) RegisterAssetTracking(ctx context.Context, t AssetTuple) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO asset_tracking (service, plugin, asset, event) VALUES ($1, $2, $3, $4)
		ON CONFLICT (service, plugin, asset, event) DO NOTHING`,
		t.Service, t.Plugin, t.Asset, t.Event)
	return err
}

// LoadAssetTracking backs south.Registrar (through the adapter in
// cmd/edged): populates the in-memory asset-tracking cache at startup.
func (b *Buffer) LoadAssetTracking(ctx context.Context) ([]AssetTuple, error) {
	rows, err := b.db.QueryxContext(ctx, `SELECT service, plugin, asset, event FROM asset_tracking`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssetTuple
	for rows.Next() {
		var t AssetTuple
		if err := rows.Scan(&t.Service, &t.Plugin, &t.Asset, &t.Event); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AssetTuple mirrors south.Tuple without importing pkg/south, so
// storage has no dependency on the ingest engine's package; cmd/edged's
// assetRegistrar adapts between the two with a trivial field copy.
type AssetTuple struct {
	Service string
	Plugin  string
	Asset   string
	Event   string
}

// LoadFilterState backs filter.StateStore's Load (through the adapter
// in cmd/edged): fetches the
// previously persisted shutdown_save_data string for key, per §4.3.
func (b *Buffer) LoadFilterState(key string) (string, bool, error) {
	var value string
	err := b.db.Get(&value, `SELECT value FROM filter_state WHERE state_key = $1`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SaveFilterState backs filter.StateStore's Save (through the adapter
// in cmd/edged): persists the opaque
// shutdown_save_data string under state_key = service-name + filter-name.
func (b *Buffer) SaveFilterState(key, value string) error {
	_, err := b.db.Exec(`
		INSERT INTO filter_state (state_key, value) VALUES ($1, $2)
		ON CONFLICT (state_key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}
