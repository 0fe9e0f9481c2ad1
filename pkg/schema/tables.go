package schema

// Table names shared by both backends.
const (
	TableThings        = "things"
	TableRelationships = "relationships"
	TableEvents        = "events"
	TableActions       = "actions"
	TableArtifacts     = "artifacts"
	TableChunks        = "chunks"
)

// Durable returns the registry for the low-latency embedded store.
// Every table carries a nullable synced_at sync marker.
func Durable() Registry {
	return Registry{
		Version: Version,
		Tables: []Table{
			{
				Name: TableThings,
				Columns: []Column{
					{Name: "ns", Type: Text, Constraint: "NOT NULL"},
					{Name: "type", Type: Text, Constraint: "NOT NULL"},
					{Name: "id", Type: Text, Constraint: "NOT NULL"},
					{Name: "url", Type: Text, Constraint: "NOT NULL"},
					{Name: "data", Type: JSON, Constraint: "NOT NULL DEFAULT '{}'"},
					{Name: "content", Type: Text, Constraint: "NOT NULL DEFAULT ''"},
					{Name: "context", Type: Text},
					{Name: "version", Type: Integer, Constraint: "NOT NULL DEFAULT 1"},
					{Name: "created_at", Type: Time, Constraint: "NOT NULL"},
					{Name: "updated_at", Type: Time, Constraint: "NOT NULL"},
					{Name: "deleted_at", Type: Time},
					{Name: "synced_at", Type: Time},
				},
				PrimaryKey: []string{"ns", "type", "id"},
				Indexes: []Index{
					{Name: "idx_things_url", Columns: []string{"url"}, Unique: true},
					{Name: "idx_things_pending", Columns: []string{"created_at"}, Where: "synced_at IS NULL"},
					{Name: "idx_things_deleted", Columns: []string{"deleted_at"}, Where: "deleted_at IS NOT NULL"},
				},
			},
			{
				Name: TableRelationships,
				Columns: []Column{
					{Name: "id", Type: Text, Constraint: "NOT NULL"},
					{Name: "predicate", Type: Text, Constraint: "NOT NULL"},
					{Name: "reverse", Type: Text},
					{Name: "from_url", Type: Text, Constraint: "NOT NULL"},
					{Name: "to_url", Type: Text, Constraint: "NOT NULL"},
					{Name: "data", Type: JSON, Constraint: "NOT NULL DEFAULT '{}'"},
					{Name: "created_at", Type: Time, Constraint: "NOT NULL"},
					{Name: "updated_at", Type: Time, Constraint: "NOT NULL"},
					{Name: "deleted_at", Type: Time},
					{Name: "synced_at", Type: Time},
				},
				PrimaryKey: []string{"id"},
				Indexes: []Index{
					{Name: "idx_relationships_edge", Columns: []string{"from_url", "predicate", "to_url"}, Unique: true, Where: "deleted_at IS NULL"},
					{Name: "idx_relationships_from", Columns: []string{"from_url", "predicate"}},
					{Name: "idx_relationships_to", Columns: []string{"to_url", "predicate"}},
					{Name: "idx_relationships_to_reverse", Columns: []string{"to_url", "reverse"}},
					{Name: "idx_relationships_pending", Columns: []string{"created_at"}, Where: "synced_at IS NULL"},
				},
			},
			{
				Name:       TableEvents,
				Columns:    append(eventColumns(), Column{Name: "synced_at", Type: Time}),
				PrimaryKey: []string{"id"},
				Indexes: []Index{
					{Name: "idx_events_partition", Columns: []string{"ns", "event", "ts", "id"}},
					{Name: "idx_events_pending", Columns: []string{"id"}, Where: "synced_at IS NULL"},
				},
			},
			{
				Name:       TableActions,
				Columns:    append(actionColumns(), Column{Name: "synced_at", Type: Time}),
				PrimaryKey: []string{"id"},
				Indexes: []Index{
					{Name: "idx_actions_status", Columns: []string{"status", "created_at"}},
					{Name: "idx_actions_pending", Columns: []string{"updated_at"}, Where: "synced_at IS NULL"},
				},
			},
			{
				Name:       TableArtifacts,
				Columns:    append(artifactColumns(), Column{Name: "synced_at", Type: Time}),
				PrimaryKey: []string{"source", "type"},
				Indexes: []Index{
					{Name: "idx_artifacts_expires", Columns: []string{"expires_at"}, Where: "expires_at IS NOT NULL"},
					{Name: "idx_artifacts_pending", Columns: []string{"created_at"}, Where: "synced_at IS NULL"},
				},
			},
		},
	}
}

// Analytical returns the registry for the append-oriented analytical store.
// Mutable entities are stored as one row per observed revision keyed by row_key.
func Analytical() Registry {
	return Registry{
		Version: Version,
		Tables: []Table{
			{
				Name: TableThings,
				Columns: []Column{
					{Name: "row_key", Type: Text, Constraint: "NOT NULL"},
					{Name: "ns", Type: Text, Constraint: "NOT NULL"},
					{Name: "type", Type: Text, Constraint: "NOT NULL"},
					{Name: "id", Type: Text, Constraint: "NOT NULL"},
					{Name: "url", Type: Text, Constraint: "NOT NULL"},
					{Name: "data", Type: JSON, Constraint: "NOT NULL DEFAULT '{}'"},
					{Name: "content", Type: Text, Constraint: "NOT NULL DEFAULT ''"},
					{Name: "context", Type: Text},
					{Name: "version", Type: Integer, Constraint: "NOT NULL"},
					{Name: "created_at", Type: Time, Constraint: "NOT NULL"},
					{Name: "updated_at", Type: Time, Constraint: "NOT NULL"},
					{Name: "deleted_at", Type: Time},
					{Name: "event", Type: Text, Constraint: "NOT NULL"},
					{Name: "ingested_at", Type: Time, Constraint: "NOT NULL"},
				},
				PrimaryKey: []string{"row_key"},
				Indexes: []Index{
					{Name: "idx_a_things_key", Columns: []string{"ns", "type", "id", "version"}},
					{Name: "idx_a_things_url", Columns: []string{"url"}},
				},
			},
			{
				Name: TableRelationships,
				Columns: []Column{
					{Name: "row_key", Type: Text, Constraint: "NOT NULL"},
					{Name: "id", Type: Text, Constraint: "NOT NULL"},
					{Name: "predicate", Type: Text, Constraint: "NOT NULL"},
					{Name: "reverse", Type: Text},
					{Name: "from_url", Type: Text, Constraint: "NOT NULL"},
					{Name: "to_url", Type: Text, Constraint: "NOT NULL"},
					{Name: "data", Type: JSON, Constraint: "NOT NULL DEFAULT '{}'"},
					{Name: "created_at", Type: Time, Constraint: "NOT NULL"},
					{Name: "updated_at", Type: Time, Constraint: "NOT NULL"},
					{Name: "deleted_at", Type: Time},
					{Name: "event", Type: Text, Constraint: "NOT NULL"},
					{Name: "ingested_at", Type: Time, Constraint: "NOT NULL"},
				},
				PrimaryKey: []string{"row_key"},
				Indexes: []Index{
					{Name: "idx_a_relationships_from", Columns: []string{"from_url", "predicate"}},
					{Name: "idx_a_relationships_to", Columns: []string{"to_url", "predicate"}},
				},
			},
			{
				Name:       TableEvents,
				Columns:    append(eventColumns(), Column{Name: "ingested_at", Type: Time, Constraint: "NOT NULL"}),
				PrimaryKey: []string{"id"},
				Indexes: []Index{
					{Name: "idx_a_events_partition", Columns: []string{"ns", "event", "ts", "id"}},
				},
			},
			{
				Name: TableActions,
				Columns: append([]Column{{Name: "row_key", Type: Text, Constraint: "NOT NULL"}},
					append(actionColumns(), Column{Name: "ingested_at", Type: Time, Constraint: "NOT NULL"})...),
				PrimaryKey: []string{"row_key"},
				Indexes: []Index{
					{Name: "idx_a_actions_id", Columns: []string{"id", "updated_at"}},
				},
			},
			{
				Name:       TableArtifacts,
				Columns:    append(artifactColumns(), Column{Name: "ingested_at", Type: Time, Constraint: "NOT NULL"}),
				PrimaryKey: []string{"key"},
				Indexes: []Index{
					{Name: "idx_a_artifacts_source", Columns: []string{"source", "type"}},
				},
			},
			{
				Name: TableChunks,
				Columns: []Column{
					{Name: "parent", Type: Text, Constraint: "NOT NULL"},
					{Name: "chunk_index", Type: Integer, Constraint: "NOT NULL"},
					{Name: "ns", Type: Text, Constraint: "NOT NULL"},
					{Name: "type", Type: Text, Constraint: "NOT NULL"},
					{Name: "content", Type: Text, Constraint: "NOT NULL"},
					{Name: "embedding", Type: Vector},
					{Name: "model", Type: Text},
					{Name: "start_offset", Type: Integer, Constraint: "NOT NULL DEFAULT 0"},
					{Name: "end_offset", Type: Integer, Constraint: "NOT NULL DEFAULT 0"},
				},
				PrimaryKey: []string{"parent", "chunk_index"},
				Indexes: []Index{
					{Name: "idx_a_chunks_scope", Columns: []string{"ns", "type"}},
				},
			},
		},
	}
}

func eventColumns() []Column {
	return []Column{
		{Name: "id", Type: Integer, Constraint: "NOT NULL"},
		{Name: "ns", Type: Text, Constraint: "NOT NULL"},
		{Name: "actor", Type: Text, Constraint: "NOT NULL"},
		{Name: "actor_data", Type: JSON, Constraint: "NOT NULL DEFAULT '{}'"},
		{Name: "event", Type: Text, Constraint: "NOT NULL"},
		{Name: "object", Type: Text, Constraint: "NOT NULL DEFAULT ''"},
		{Name: "object_data", Type: JSON, Constraint: "NOT NULL DEFAULT '{}'"},
		{Name: "result", Type: Text, Constraint: "NOT NULL DEFAULT ''"},
		{Name: "result_data", Type: JSON, Constraint: "NOT NULL DEFAULT '{}'"},
		{Name: "ts", Type: Time, Constraint: "NOT NULL"},
	}
}

func actionColumns() []Column {
	return []Column{
		{Name: "id", Type: Text, Constraint: "NOT NULL"},
		{Name: "actor", Type: Text, Constraint: "NOT NULL"},
		{Name: "object", Type: Text, Constraint: "NOT NULL"},
		{Name: "action", Type: Text, Constraint: "NOT NULL"},
		{Name: "status", Type: Text, Constraint: "NOT NULL"},
		{Name: "created_at", Type: Time, Constraint: "NOT NULL"},
		{Name: "updated_at", Type: Time, Constraint: "NOT NULL"},
		{Name: "started_at", Type: Time},
		{Name: "completed_at", Type: Time},
		{Name: "result", Type: JSON},
		{Name: "error", Type: Text},
		{Name: "metadata", Type: JSON, Constraint: "NOT NULL DEFAULT '{}'"},
	}
}

func artifactColumns() []Column {
	return []Column{
		{Name: "key", Type: Text, Constraint: "NOT NULL"},
		{Name: "type", Type: Text, Constraint: "NOT NULL"},
		{Name: "source", Type: Text, Constraint: "NOT NULL"},
		{Name: "source_hash", Type: Text, Constraint: "NOT NULL"},
		{Name: "content", Type: Blob},
		{Name: "size", Type: Integer, Constraint: "NOT NULL DEFAULT 0"},
		{Name: "expires_at", Type: Time},
		{Name: "created_at", Type: Time, Constraint: "NOT NULL"},
	}
}
