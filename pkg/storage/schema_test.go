package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffSchemaAddsNewTable(t *testing.T) {
	have := SchemaDefinition{}
	want := SchemaDefinition{Tables: []TableDef{{Name: "events", Columns: []ColumnDef{{Name: "id", Type: "BIGINT"}}}}}

	d := diffSchema(have, want)
	require.Len(t, d.addTables, 1)
	require.Equal(t, "events", d.addTables[0].Name)
	require.True(t, d.empty() == false)
}

func TestDiffSchemaDropsRemovedTable(t *testing.T) {
	have := SchemaDefinition{Tables: []TableDef{{Name: "old"}}}
	want := SchemaDefinition{}

	d := diffSchema(have, want)
	require.Equal(t, []string{"old"}, d.dropTables)
}

func TestDiffSchemaAddsAndDropsColumns(t *testing.T) {
	have := SchemaDefinition{Tables: []TableDef{{
		Name:    "events",
		Columns: []ColumnDef{{Name: "a", Type: "TEXT"}, {Name: "b", Type: "TEXT"}},
	}}}
	want := SchemaDefinition{Tables: []TableDef{{
		Name:    "events",
		Columns: []ColumnDef{{Name: "a", Type: "TEXT"}, {Name: "c", Type: "TEXT"}},
	}}}

	d := diffSchema(have, want)
	require.Equal(t, []ColumnDef{{Name: "c", Type: "TEXT"}}, d.addColumns["events"])
	require.Equal(t, []string{"b"}, d.dropColumns["events"])
}

func TestDiffSchemaNoChangesIsEmpty(t *testing.T) {
	def := SchemaDefinition{Tables: []TableDef{{Name: "events", Columns: []ColumnDef{{Name: "a", Type: "TEXT"}}}}}
	d := diffSchema(def, def)
	require.True(t, d.empty())
}

func TestDiffSchemaIndexes(t *testing.T) {
	have := SchemaDefinition{Tables: []TableDef{{Name: "events", Indexes: []IndexDef{{Name: "idx_old", Columns: []string{"a"}}}}}}
	want := SchemaDefinition{Tables: []TableDef{{Name: "events", Indexes: []IndexDef{{Name: "idx_new", Columns: []string{"b"}}}}}}

	d := diffSchema(have, want)
	require.Equal(t, []IndexDef{{Name: "idx_new", Columns: []string{"b"}}}, d.addIndexes["events"])
	require.Equal(t, []string{"idx_old"}, d.dropIndexes)
}
