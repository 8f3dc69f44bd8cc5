package persistence

import "time"

// UpdateRecord is one append-only entry in the update log, per §3/§6.2.
type UpdateRecord struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	DocName    string    `gorm:"column:doc_name;size:300;not null;index:idx_updates_doc_ts,priority:1"`
	Payload    []byte    `gorm:"column:update;type:bytea;not null"`
	ProducerID *string   `gorm:"column:client_id;size:300"`
	Timestamp  time.Time `gorm:"column:timestamp;not null;index:idx_updates_doc_ts,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateRecord) TableName() string {
	return "updates"
}

// Snapshot is a full-state blob for a doc at a point in time, per §3/§6.2.
type Snapshot struct {
	ID               string    `gorm:"column:id;primaryKey;size:36"`
	NoteID           *string   `gorm:"column:note_id;size:190"`
	DocName          string    `gorm:"column:doc_name;size:300;not null;index:idx_snapshots_doc_created,priority:1"`
	State            []byte    `gorm:"column:state;type:bytea;not null"`
	Checksum         string    `gorm:"column:checksum;size:64;not null;index:idx_snapshots_doc_checksum"`
	UpdateCount      *int      `gorm:"column:update_count"`
	SizeBytes        *int      `gorm:"column:size_bytes"`
	PanelsJSON       *string   `gorm:"column:panels;type:jsonb"`
	CreatedAt        time.Time `gorm:"column:created_at;not null;index:idx_snapshots_doc_created,priority:2"`

	// Duplicate reports whether Save* short-circuited on an existing row with
	// a matching checksum instead of inserting a new one. Set only in-memory
	// by SaveSnapshot; never persisted.
	Duplicate bool `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "snapshots"
}

// CompactionLogEntry is an observability-only record of one compaction run.
type CompactionLogEntry struct {
	ID            string    `gorm:"column:id;primaryKey;size:36"`
	DocName       string    `gorm:"column:doc_name;size:300;not null;index:idx_compaction_log_doc,priority:1"`
	UpdatesBefore int       `gorm:"column:updates_before;not null"`
	UpdatesAfter  int       `gorm:"column:updates_after;not null"`
	SnapshotSize  int       `gorm:"column:snapshot_size;not null"`
	DurationMs    int       `gorm:"column:duration_ms;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index:idx_compaction_log_doc,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (CompactionLogEntry) TableName() string {
	return "compaction_log"
}

// Note, Panel and Branch model the minimal slice of the external-owned
// schemas (§3, §6.2) the Delete Coordinator must read/write: their id,
// note_id, and nullable deleted_at column. The core does not own or
// migrate the rest of these tables' columns.
type Note struct {
	ID        string     `gorm:"column:id;primaryKey;size:190"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

type Panel struct {
	ID        string     `gorm:"column:id;primaryKey;size:190"`
	NoteID    string     `gorm:"column:note_id;size:190;not null;index:idx_panels_note"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Panel) TableName() string {
	return "panels"
}

type Branch struct {
	ID        string     `gorm:"column:id;primaryKey;size:190"`
	NoteID    string     `gorm:"column:note_id;size:190;not null;index:idx_branches_note"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Branch) TableName() string {
	return "branches"
}
