// Package dx implements the Document Extractor: a plan-driven engine
// that selects views from a configured source by fuzzy name matching,
// snapshots their entries with a resumable checkpoint, and streams every
// referenced document through a normalized EAV schema, deduplicating
// item values globally and storing attachments in the CAS store.
package dx

import "time"

// Source is an upstream document-database endpoint, identified by
// (server_name, filepath).
type Source struct {
	ID         int64
	ServerName string
	FilePath   string
	Title      string
	ReplicaID  string
	LastSeenAt time.Time
}

// IngestionPlan is an administrator-declared intent to ingest specific
// views from a specific source.
type IngestionPlan struct {
	ID         int64
	ServerName string
	FilePath   string
	Enabled    bool
	Views      []PlanView
}

// PlanView names one canonical view the plan wants ingested, with an
// optional regex override used by the view selector in place of the
// configured pattern library.
type PlanView struct {
	ID            int64
	PlanID        int64
	CanonicalName string
	Enabled       bool
	RegexOverride string
	Priority      int
}

// Document is the upstream's addressable unit of content, keyed by its
// 32-hex-character universal identifier.
type Document struct {
	UNID           string
	SourceID       int64
	NoteID         string
	Form           string
	Subject        string
	Author         string
	CreatedAt      time.Time
	ModifiedAt     time.Time
	HasAttachments bool
	TextHash       *[32]byte
	TextBody       string
	DocSizeBytes   int64
}

// UnknownItemPolicy controls whether an item absent from the Item
// catalog is stored or skipped (spec_full §1 open-question decision).
type UnknownItemPolicy string

const (
	UnknownItemStore UnknownItemPolicy = "store"
	UnknownItemSkip  UnknownItemPolicy = "skip"
)

// Item is a catalog entry for an attribute name.
type Item struct {
	ID          int64
	Name        string // stored lowercased, unique
	NotesFilter *int   // nil means "use UnknownItemPolicy"; 1 means "store"
}

// ValKind is the tagged-variant discriminator for ItemValue, dispatched
// on explicitly rather than by runtime type inspection (spec §9).
type ValKind string

const (
	ValString   ValKind = "string"
	ValText     ValKind = "text"
	ValNumber   ValKind = "number"
	ValDatetime ValKind = "datetime"
	ValBool     ValKind = "bool"
	ValBytes    ValKind = "bytes"
	ValRichText ValKind = "richtext"
	ValUnknown  ValKind = "unknown"
)

// ItemValue is a globally deduplicated value row.
type ItemValue struct {
	ID           int64
	ItemID       int64
	Kind         ValKind
	VString      *string
	VText        *string
	VNumber      *float64
	VDatetime    *time.Time
	VBool        *bool
	VBytes       []byte
	AttachmentID *int64
	ValHash      [32]byte
}

// DocItemValue links a document's item occurrence, in order, to a
// deduplicated ItemValue row.
type DocItemValue struct {
	UNID        string
	ItemID      int64
	ValOrder    int
	ItemValueID int64
	IsSummary   bool
}

// AttachmentKind classifies an extracted embedded object.
type AttachmentKind string

const (
	AttachmentKindFile      AttachmentKind = "attachment"
	AttachmentKindImage     AttachmentKind = "image"
	AttachmentKindOLE       AttachmentKind = "ole"
	AttachmentKindObject    AttachmentKind = "object"
)

// Attachment is a binary extracted from a document and stored in CAS.
type Attachment struct {
	ID          int64
	UNID        string
	Filename    string
	SHA256      [32]byte
	ItemName    string
	Kind        AttachmentKind
	MimeType    *string
	SizeBytes   int64
	StoragePath string
	CreatedAt   time.Time
}

// DocumentView records that a document appeared under a category path in
// a named view during one pass.
type DocumentView struct {
	UNID         string
	ViewName     string
	CategoryPath string
	LeafCategory string
}

// ETLCheckpoint tracks resumable progress through one (plan, source,
// view) snapshot.
type ETLCheckpoint struct {
	PlanID      int64
	SourceID    int64
	ViewName    string
	SnapshotSig string
	NextIndex   int
	LastUNID    string
	UpdatedAt   time.Time
}

// ETLRun is one execution of the orchestrator against a source.
type ETLRun struct {
	ID        string
	SourceID  int64
	StartedAt time.Time
	EndedAt   *time.Time
	Scanned   int
	Upserted  int
	Atts      int
	Errors    int
}

// SnapshotEntry is one (UNID, category_path) pair captured while
// iterating a view (spec §4.4).
type SnapshotEntry struct {
	UNID         string
	CategoryPath string
}
