package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// TableDef is one table in a service's extension schema definition.
type TableDef struct {
	Name    string       `json:"name"`
	Columns []ColumnDef  `json:"columns"`
	Indexes []IndexDef   `json:"indexes"`
}

type ColumnDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type IndexDef struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// SchemaDefinition is the JSON shape a service passes to create_schema.
type SchemaDefinition struct {
	Tables []TableDef `json:"tables"`
}

// schemaDiff is the set of DDL actions needed to move from "have" to
// "want": add/drop tables, add/drop columns, add/remove indexes, per
// §4.5.
type schemaDiff struct {
	addTables   []TableDef
	dropTables  []string
	addColumns  map[string][]ColumnDef
	dropColumns map[string][]string
	addIndexes  map[string][]IndexDef
	dropIndexes []string
}

func diffSchema(have, want SchemaDefinition) schemaDiff {
	haveTables := map[string]TableDef{}
	for _, t := range have.Tables {
		haveTables[t.Name] = t
	}
	wantTables := map[string]TableDef{}
	for _, t := range want.Tables {
		wantTables[t.Name] = t
	}

	d := schemaDiff{addColumns: map[string][]ColumnDef{}, dropColumns: map[string][]string{}, addIndexes: map[string][]IndexDef{}}

	for name, t := range wantTables {
		if _, ok := haveTables[name]; !ok {
			d.addTables = append(d.addTables, t)
			continue
		}
		haveCols := map[string]bool{}
		for _, c := range haveTables[name].Columns {
			haveCols[c.Name] = true
		}
		wantCols := map[string]bool{}
		for _, c := range t.Columns {
			wantCols[c.Name] = true
			if !haveCols[c.Name] {
				d.addColumns[name] = append(d.addColumns[name], c)
			}
		}
		for _, c := range haveTables[name].Columns {
			if !wantCols[c.Name] {
				d.dropColumns[name] = append(d.dropColumns[name], c.Name)
			}
		}

		haveIdx := map[string]bool{}
		for _, idx := range haveTables[name].Indexes {
			haveIdx[idx.Name] = true
		}
		wantIdx := map[string]bool{}
		for _, idx := range t.Indexes {
			wantIdx[idx.Name] = true
			if !haveIdx[idx.Name] {
				d.addIndexes[name] = append(d.addIndexes[name], idx)
			}
		}
		for _, idx := range haveTables[name].Indexes {
			if !wantIdx[idx.Name] {
				d.dropIndexes = append(d.dropIndexes, idx.Name)
			}
		}
	}
	for name := range haveTables {
		if _, ok := wantTables[name]; !ok {
			d.dropTables = append(d.dropTables, name)
		}
	}
	return d
}

func (d schemaDiff) empty() bool {
	return len(d.addTables) == 0 && len(d.dropTables) == 0 &&
		len(d.addColumns) == 0 && len(d.dropColumns) == 0 &&
		len(d.addIndexes) == 0 && len(d.dropIndexes) == 0
}

// serviceSchemaRow is the registry row persisted in service_schema per
// §6.
type serviceSchemaRow struct {
	Name       string
	Service    string
	Version    int
	Definition string
}

func (b *Buffer) ensureSchemaRegistry(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS service_schema (
	name TEXT NOT NULL,
	service TEXT NOT NULL,
	version INT NOT NULL,
	definition JSONB NOT NULL,
	PRIMARY KEY (name, service)
)`)
	return err
}

// CreateSchema attaches or upgrades a service's extension schema. If the
// registered version equals the requested version, it is a no-op; a
// version change diffs the stored and requested definitions and runs
// the result transactionally.
func (b *Buffer) CreateSchema(ctx context.Context, name, service string, version int, definition SchemaDefinition) error {
	if err := b.ensureSchemaRegistry(ctx); err != nil {
		return err
	}

	var row serviceSchemaRow
	err := b.db.GetContext(ctx, &row,
		`SELECT name, service, version, definition FROM service_schema WHERE name=$1 AND service=$2`, name, service)

	var have SchemaDefinition
	existing := err == nil
	if existing {
		if row.Version == version {
			return nil // no-op: requested version already attached
		}
		if err := json.Unmarshal([]byte(row.Definition), &have); err != nil {
			return fmt.Errorf("storage: corrupt stored schema definition: %w", err)
		}
	} else if err != sql.ErrNoRows {
		return err
	}

	diff := diffSchema(have, definition)
	defJSON, err := json.Marshal(definition)
	if err != nil {
		return err
	}

	return withRetry(ctx, b.cfg, isLockBusy, func() error {
		tx, err := b.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := applySchemaDiff(ctx, tx.Tx, diff); err != nil {
			return err
		}

		if existing {
			_, err = tx.ExecContext(ctx,
				`UPDATE service_schema SET version=$1, definition=$2 WHERE name=$3 AND service=$4`,
				version, defJSON, name, service)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO service_schema (name, service, version, definition) VALUES ($1,$2,$3,$4)`,
				name, service, version, defJSON)
		}
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func applySchemaDiff(ctx context.Context, tx *sql.Tx, d schemaDiff) error {
	for _, t := range d.addTables {
		cols := ""
		for i, c := range t.Columns {
			if i > 0 {
				cols += ", "
			}
			cols += fmt.Sprintf("%s %s", sanitizeIdent(c.Name), c.Type)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", sanitizeIdent(t.Name), cols)); err != nil {
			return err
		}
		for _, idx := range t.Indexes {
			if err := createIndex(ctx, tx, t.Name, idx); err != nil {
				return err
			}
		}
	}
	for table, cols := range d.addColumns {
		for _, c := range cols {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", sanitizeIdent(table), sanitizeIdent(c.Name), c.Type)); err != nil {
				return err
			}
		}
	}
	for table, cols := range d.dropColumns {
		for _, c := range cols {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", sanitizeIdent(table), sanitizeIdent(c))); err != nil {
				return err
			}
		}
	}
	for table, idxs := range d.addIndexes {
		for _, idx := range idxs {
			if err := createIndex(ctx, tx, table, idx); err != nil {
				return err
			}
		}
	}
	for _, name := range d.dropIndexes {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", sanitizeIdent(name))); err != nil {
			return err
		}
	}
	return nil
}

func createIndex(ctx context.Context, tx *sql.Tx, table string, idx IndexDef) error {
	cols := ""
	for i, c := range idx.Columns {
		if i > 0 {
			cols += ", "
		}
		cols += sanitizeIdent(c)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", sanitizeIdent(idx.Name), sanitizeIdent(table), cols))
	return err
}
