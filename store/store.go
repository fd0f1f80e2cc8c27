// Package store is the SQL sink for the extraction engines: a thin
// wrapper over a pgx connection pool providing idempotent schema setup
// and the upsert primitives the dx engine needs, grounded on the
// same Exec/Query/QueryRow shape the rest of this codebase uses for
// Postgres access.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"notesync.evalgo.org/dx"
)

// DB wraps a pgx connection pool. It is safe for concurrent use; the
// orchestrator hands a *DB to each worker goroutine rather than a raw
// connection.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and pings it once to fail fast on a bad DSN.
func Open(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (d *DB) Close() { d.pool.Close() }

func (d *DB) Pool() *pgxpool.Pool { return d.pool }

func (d *DB) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := d.pool.Exec(ctx, sql, args...)
	return err
}

func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.pool.Query(ctx, sql, args...)
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.pool.QueryRow(ctx, sql, args...)
}

// conn is the pgx surface shared by *pgxpool.Pool and pgx.Tx, letting the
// document-batch write methods below run unmodified against either the
// pool or a single batch's transaction.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BatchTx is a single SQL transaction spanning one checkpointed batch of
// documents: every UpsertDocument/GetOrCreateItem(Value)/UpsertDocItemValue
// /UpsertAttachment/UpsertDocumentView call plus the batch's SaveCheckpoint
// share it, so a mid-batch failure rolls the whole batch back rather than
// leaving it half-committed (spec §5).
type BatchTx struct {
	tx pgx.Tx
}

// BeginBatch opens a new transaction for one checkpointed batch,
// satisfying dx.BatchStore.
func (d *DB) BeginBatch(ctx context.Context) (dx.BatchTx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin batch: %w", err)
	}
	return &BatchTx{tx: tx}, nil
}

// Commit commits the batch's transaction.
func (b *BatchTx) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

// Rollback aborts the batch's transaction, undoing every write made
// through it. Safe to call after a failed Commit.
func (b *BatchTx) Rollback(ctx context.Context) error {
	if err := b.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("store: rollback batch: %w", err)
	}
	return nil
}

// schema is the idempotent set of DDL statements for every table in the
// data model (spec §3). Every CREATE is guarded with IF NOT EXISTS so
// InitSchema is safe to run on every process start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id BIGSERIAL PRIMARY KEY,
		server_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		replica_id TEXT NOT NULL DEFAULT '',
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (server_name, file_path)
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_plans (
		id BIGSERIAL PRIMARY KEY,
		server_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		UNIQUE (server_name, file_path)
	)`,
	`CREATE TABLE IF NOT EXISTS plan_views (
		id BIGSERIAL PRIMARY KEY,
		plan_id BIGINT NOT NULL REFERENCES ingestion_plans(id) ON DELETE CASCADE,
		canonical_name TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		regex_override TEXT NOT NULL DEFAULT '',
		priority INT NOT NULL DEFAULT 0,
		UNIQUE (plan_id, canonical_name)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		unid TEXT PRIMARY KEY,
		source_id BIGINT NOT NULL REFERENCES sources(id),
		note_id TEXT NOT NULL DEFAULT '',
		form TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ,
		modified_at TIMESTAMPTZ,
		has_attachments BOOLEAN NOT NULL DEFAULT false,
		text_hash BYTEA,
		text_body TEXT NOT NULL DEFAULT '',
		doc_size_bytes BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		notes_filter INT
	)`,
	`CREATE TABLE IF NOT EXISTS item_values (
		id BIGSERIAL PRIMARY KEY,
		item_id BIGINT NOT NULL REFERENCES items(id),
		kind TEXT NOT NULL,
		v_string TEXT,
		v_text TEXT,
		v_number DOUBLE PRECISION,
		v_datetime TIMESTAMPTZ,
		v_bool BOOLEAN,
		v_bytes BYTEA,
		attachment_id BIGINT,
		val_hash BYTEA NOT NULL,
		UNIQUE (item_id, val_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS doc_item_values (
		unid TEXT NOT NULL REFERENCES documents(unid) ON DELETE CASCADE,
		item_id BIGINT NOT NULL REFERENCES items(id),
		val_order INT NOT NULL,
		item_value_id BIGINT NOT NULL REFERENCES item_values(id),
		is_summary BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (unid, item_id, val_order)
	)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id BIGSERIAL PRIMARY KEY,
		unid TEXT NOT NULL REFERENCES documents(unid) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		sha256 BYTEA NOT NULL,
		item_name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		mime_type TEXT,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		storage_path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (unid, filename, sha256)
	)`,
	`CREATE TABLE IF NOT EXISTS document_views (
		unid TEXT NOT NULL REFERENCES documents(unid) ON DELETE CASCADE,
		view_name TEXT NOT NULL,
		category_path TEXT NOT NULL DEFAULT '',
		leaf_category TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (unid, view_name, category_path)
	)`,
	`CREATE TABLE IF NOT EXISTS etl_checkpoints (
		plan_id BIGINT NOT NULL,
		source_id BIGINT NOT NULL,
		view_name TEXT NOT NULL,
		snapshot_sig BYTEA NOT NULL,
		next_index INT NOT NULL DEFAULT 0,
		last_unid TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (plan_id, source_id, view_name)
	)`,
	`CREATE TABLE IF NOT EXISTS etl_runs (
		id TEXT PRIMARY KEY,
		source_id BIGINT NOT NULL REFERENCES sources(id),
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at TIMESTAMPTZ,
		scanned INT NOT NULL DEFAULT 0,
		upserted INT NOT NULL DEFAULT 0,
		atts INT NOT NULL DEFAULT 0,
		errors INT NOT NULL DEFAULT 0
	)`,
}

// InitSchema creates every table this package needs if it does not
// already exist. Safe to call on every process start.
func (d *DB) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// UpsertSource records (or touches) a source row and returns its id.
func (d *DB) UpsertSource(ctx context.Context, s dx.Source) (int64, error) {
	var id int64
	err := d.pool.QueryRow(ctx, `
		INSERT INTO sources (server_name, file_path, title, replica_id, last_seen_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (server_name, file_path) DO UPDATE
			SET title = EXCLUDED.title, replica_id = EXCLUDED.replica_id, last_seen_at = now()
		RETURNING id
	`, s.ServerName, s.FilePath, s.Title, s.ReplicaID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert source: %w", err)
	}
	return id, nil
}

// ListEnabledPlans loads every enabled ingestion plan along with its
// enabled plan views, ordered by priority (spec §4.1, dx.plan).
func (d *DB) ListEnabledPlans(ctx context.Context) ([]dx.IngestionPlan, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, server_name, file_path, enabled FROM ingestion_plans WHERE enabled ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list plans: %w", err)
	}
	defer rows.Close()

	var plans []dx.IngestionPlan
	for rows.Next() {
		var p dx.IngestionPlan
		if err := rows.Scan(&p.ID, &p.ServerName, &p.FilePath, &p.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range plans {
		views, err := d.listPlanViews(ctx, plans[i].ID)
		if err != nil {
			return nil, err
		}
		plans[i].Views = views
	}
	return plans, nil
}

func (d *DB) listPlanViews(ctx context.Context, planID int64) ([]dx.PlanView, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, plan_id, canonical_name, enabled, regex_override, priority
		FROM plan_views WHERE plan_id = $1 AND enabled ORDER BY priority, id
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("store: list plan views: %w", err)
	}
	defer rows.Close()

	var views []dx.PlanView
	for rows.Next() {
		var v dx.PlanView
		if err := rows.Scan(&v.ID, &v.PlanID, &v.CanonicalName, &v.Enabled, &v.RegexOverride, &v.Priority); err != nil {
			return nil, fmt.Errorf("store: scan plan view: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// LoadCheckpoint returns the checkpoint for (planID, sourceID, viewName),
// or the zero value with ok=false if none exists yet.
func (d *DB) LoadCheckpoint(ctx context.Context, planID, sourceID int64, viewName string) (cp dx.ETLCheckpoint, ok bool, err error) {
	var sig []byte
	row := d.pool.QueryRow(ctx, `
		SELECT plan_id, source_id, view_name, snapshot_sig, next_index, last_unid, updated_at
		FROM etl_checkpoints WHERE plan_id = $1 AND source_id = $2 AND view_name = $3
	`, planID, sourceID, viewName)
	err = row.Scan(&cp.PlanID, &cp.SourceID, &cp.ViewName, &sig, &cp.NextIndex, &cp.LastUNID, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return dx.ETLCheckpoint{}, false, nil
	}
	if err != nil {
		return dx.ETLCheckpoint{}, false, fmt.Errorf("store: load checkpoint: %w", err)
	}
	cp.SnapshotSig = hex.EncodeToString(sig)
	return cp, true, nil
}

// saveCheckpoint upserts progress through a view snapshot. Called only
// through a BatchTx so the checkpoint advance lands in the same
// transaction as the batch of documents it attests to (spec §5).
func saveCheckpoint(ctx context.Context, q conn, cp dx.ETLCheckpoint) error {
	sig, err := hex.DecodeString(cp.SnapshotSig)
	if err != nil {
		return fmt.Errorf("store: decode snapshot sig: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO etl_checkpoints (plan_id, source_id, view_name, snapshot_sig, next_index, last_unid, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (plan_id, source_id, view_name) DO UPDATE
			SET snapshot_sig = EXCLUDED.snapshot_sig,
			    next_index = EXCLUDED.next_index,
			    last_unid = EXCLUDED.last_unid,
			    updated_at = now()
	`, cp.PlanID, cp.SourceID, cp.ViewName, sig, cp.NextIndex, cp.LastUNID)
	if err != nil {
		return fmt.Errorf("store: save checkpoint: %w", err)
	}
	return nil
}

// SaveCheckpoint saves the batch's checkpoint row through the same
// transaction as the rest of the batch's writes.
func (b *BatchTx) SaveCheckpoint(ctx context.Context, cp dx.ETLCheckpoint) error {
	return saveCheckpoint(ctx, b.tx, cp)
}

// DeleteCheckpoint drops a checkpoint, used when a snapshot signature
// diverges and the view must restart from scratch (spec §4.4).
func (d *DB) DeleteCheckpoint(ctx context.Context, planID, sourceID int64, viewName string) error {
	_, err := d.pool.Exec(ctx, `
		DELETE FROM etl_checkpoints WHERE plan_id = $1 AND source_id = $2 AND view_name = $3
	`, planID, sourceID, viewName)
	return err
}

// StartRun inserts a new etl_runs row and returns it.
func (d *DB) StartRun(ctx context.Context, id string, sourceID int64) (dx.ETLRun, error) {
	run := dx.ETLRun{ID: id, SourceID: sourceID, StartedAt: time.Now().UTC()}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO etl_runs (id, source_id, started_at) VALUES ($1, $2, $3)
	`, run.ID, run.SourceID, run.StartedAt)
	if err != nil {
		return dx.ETLRun{}, fmt.Errorf("store: start run: %w", err)
	}
	return run, nil
}

// FinishRun records the end-of-run counters.
func (d *DB) FinishRun(ctx context.Context, run dx.ETLRun) error {
	ended := time.Now().UTC()
	_, err := d.pool.Exec(ctx, `
		UPDATE etl_runs SET ended_at = $2, scanned = $3, upserted = $4, atts = $5, errors = $6
		WHERE id = $1
	`, run.ID, ended, run.Scanned, run.Upserted, run.Atts, run.Errors)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

// GetOrCreateItem resolves an item name to its catalog id against the
// pool (used outside a batch, e.g. tests and tooling).
func (d *DB) GetOrCreateItem(ctx context.Context, name string, notesFilter *int) (int64, *int, error) {
	return getOrCreateItem(ctx, d.pool, name, notesFilter)
}

// GetOrCreateItem resolves an item name to its catalog id within the
// batch's transaction.
func (b *BatchTx) GetOrCreateItem(ctx context.Context, name string, notesFilter *int) (int64, *int, error) {
	return getOrCreateItem(ctx, b.tx, name, notesFilter)
}

// getOrCreateItem resolves an item name to its catalog id, lowercasing
// the name for lookup (spec §3 Item). notesFilter is only applied on
// first insert; it never overwrites an existing row's filter. The
// returned *int is the row's current notes_filter (nil if still unset),
// letting the caller apply the unknown-item policy itself.
func getOrCreateItem(ctx context.Context, q conn, name string, notesFilter *int) (id int64, currentFilter *int, err error) {
	err = q.QueryRow(ctx, `
		INSERT INTO items (name, notes_filter) VALUES (lower($1), $2)
		ON CONFLICT (name) DO UPDATE SET name = items.name
		RETURNING id, notes_filter
	`, name, notesFilter).Scan(&id, &currentFilter)
	if isUniqueViolation(err) {
		// a concurrent insert raced this one past the ON CONFLICT target
		// between the index check and the row lock (spec §7); the row
		// now exists under a committed transaction, so re-select it.
		err = q.QueryRow(ctx, `
			SELECT id, notes_filter FROM items WHERE name = lower($1)
		`, name).Scan(&id, &currentFilter)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("store: get or create item %q: %w", name, err)
	}
	return id, currentFilter, nil
}

// ValHash computes the dedup hash for an item value: the item id, kind
// and the kind's typed field(s), separated by 0x1f (spec §9 design note
// on the ItemValue tagged variant). String kinds hash both v_string and
// v_text; a nil field contributes no bytes, so two NULLs hash alike.
// Numbers are hashed at micro-unit precision.
func ValHash(itemID int64, kind dx.ValKind, v dx.ItemValue) [32]byte {
	h := sha256.New()
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(itemID))
	h.Write(idBuf[:])
	h.Write([]byte{0x1f})
	h.Write([]byte(kind))
	h.Write([]byte{0x1f})
	switch kind {
	case dx.ValString, dx.ValText, dx.ValRichText:
		if v.VString != nil {
			h.Write([]byte(*v.VString))
		}
		h.Write([]byte{0x1f})
		if v.VText != nil {
			h.Write([]byte(*v.VText))
		}
	case dx.ValNumber:
		if v.VNumber != nil {
			var nbuf [8]byte
			binary.BigEndian.PutUint64(nbuf[:], uint64(int64(*v.VNumber*1e6)))
			h.Write(nbuf[:])
		}
	case dx.ValDatetime:
		if v.VDatetime != nil {
			h.Write([]byte(v.VDatetime.UTC().Format("2006-01-02 15:04:05")))
		}
	case dx.ValBool:
		if v.VBool != nil && *v.VBool {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	case dx.ValBytes:
		h.Write(v.VBytes)
	}
	if v.AttachmentID != nil {
		h.Write([]byte{0x1f})
		var a [8]byte
		binary.BigEndian.PutUint64(a[:], uint64(*v.AttachmentID))
		h.Write(a[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// GetOrCreateItemValue deduplicates a value row against the pool (used
// outside a batch).
func (d *DB) GetOrCreateItemValue(ctx context.Context, v dx.ItemValue) (int64, error) {
	return getOrCreateItemValue(ctx, d.pool, v)
}

// GetOrCreateItemValue deduplicates a value row within the batch's
// transaction.
func (b *BatchTx) GetOrCreateItemValue(ctx context.Context, v dx.ItemValue) (int64, error) {
	return getOrCreateItemValue(ctx, b.tx, v)
}

// getOrCreateItemValue deduplicates a value row by (item_id, val_hash).
// The three-valued-null equality spec §9 calls for is folded into the
// hash itself: two NULL scalar fields hash identically, so the unique
// index on (item_id, val_hash) is the dedup key, not a NULL-aware SQL
// comparison.
func getOrCreateItemValue(ctx context.Context, q conn, v dx.ItemValue) (int64, error) {
	hash := ValHash(v.ItemID, v.Kind, v)
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO item_values (item_id, kind, v_string, v_text, v_number, v_datetime, v_bool, v_bytes, attachment_id, val_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (item_id, val_hash) DO UPDATE SET item_id = item_values.item_id
		RETURNING id
	`, v.ItemID, string(v.Kind), v.VString, v.VText, v.VNumber, v.VDatetime, v.VBool, v.VBytes, v.AttachmentID, hash[:]).Scan(&id)
	if isUniqueViolation(err) {
		err = q.QueryRow(ctx, `
			SELECT id FROM item_values WHERE item_id = $1 AND val_hash = $2
		`, v.ItemID, hash[:]).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("store: get or create item value: %w", err)
	}
	return id, nil
}

// UpsertDocItemValue links one occurrence of an item on a document to a
// deduplicated value row, against the pool.
func (d *DB) UpsertDocItemValue(ctx context.Context, div dx.DocItemValue) error {
	return upsertDocItemValue(ctx, d.pool, div)
}

// UpsertDocItemValue links one occurrence of an item on a document to a
// deduplicated value row, within the batch's transaction.
func (b *BatchTx) UpsertDocItemValue(ctx context.Context, div dx.DocItemValue) error {
	return upsertDocItemValue(ctx, b.tx, div)
}

func upsertDocItemValue(ctx context.Context, q conn, div dx.DocItemValue) error {
	_, err := q.Exec(ctx, `
		INSERT INTO doc_item_values (unid, item_id, val_order, item_value_id, is_summary)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (unid, item_id, val_order) DO UPDATE
			SET item_value_id = EXCLUDED.item_value_id, is_summary = EXCLUDED.is_summary
	`, div.UNID, div.ItemID, div.ValOrder, div.ItemValueID, div.IsSummary)
	if err != nil {
		return fmt.Errorf("store: upsert doc item value: %w", err)
	}
	return nil
}

// ClearDocItemValuesFrom deletes doc_item_values entries at or beyond
// val_order for (unid, item_id), against the pool.
func (d *DB) ClearDocItemValuesFrom(ctx context.Context, unid string, itemID int64, fromOrder int) error {
	return clearDocItemValuesFrom(ctx, d.pool, unid, itemID, fromOrder)
}

// ClearDocItemValuesFrom deletes doc_item_values entries at or beyond
// val_order for (unid, item_id), within the batch's transaction. Used
// when a re-upserted document has fewer repeated values than before.
func (b *BatchTx) ClearDocItemValuesFrom(ctx context.Context, unid string, itemID int64, fromOrder int) error {
	return clearDocItemValuesFrom(ctx, b.tx, unid, itemID, fromOrder)
}

func clearDocItemValuesFrom(ctx context.Context, q conn, unid string, itemID int64, fromOrder int) error {
	_, err := q.Exec(ctx, `
		DELETE FROM doc_item_values WHERE unid = $1 AND item_id = $2 AND val_order >= $3
	`, unid, itemID, fromOrder)
	return err
}

// UpsertDocument inserts or replaces the row for a document's metadata
// and computed text body, against the pool.
func (d *DB) UpsertDocument(ctx context.Context, doc dx.Document) error {
	return upsertDocument(ctx, d.pool, doc)
}

// UpsertDocument inserts or replaces the row for a document's metadata
// and computed text body, within the batch's transaction.
func (b *BatchTx) UpsertDocument(ctx context.Context, doc dx.Document) error {
	return upsertDocument(ctx, b.tx, doc)
}

func upsertDocument(ctx context.Context, q conn, doc dx.Document) error {
	var textHash []byte
	if doc.TextHash != nil {
		textHash = doc.TextHash[:]
	}
	_, err := q.Exec(ctx, `
		INSERT INTO documents (unid, source_id, note_id, form, subject, author, created_at, modified_at, has_attachments, text_hash, text_body, doc_size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (unid) DO UPDATE SET
			source_id = EXCLUDED.source_id,
			note_id = EXCLUDED.note_id,
			form = EXCLUDED.form,
			subject = EXCLUDED.subject,
			author = EXCLUDED.author,
			created_at = EXCLUDED.created_at,
			modified_at = EXCLUDED.modified_at,
			has_attachments = EXCLUDED.has_attachments,
			text_hash = EXCLUDED.text_hash,
			text_body = EXCLUDED.text_body,
			doc_size_bytes = EXCLUDED.doc_size_bytes
	`, doc.UNID, doc.SourceID, doc.NoteID, doc.Form, doc.Subject, doc.Author,
		doc.CreatedAt, doc.ModifiedAt, doc.HasAttachments, textHash, doc.TextBody, doc.DocSizeBytes)
	if err != nil {
		return fmt.Errorf("store: upsert document: %w", err)
	}
	return nil
}

// UpsertAttachment records an extracted binary, keyed by (unid, filename,
// sha256), against the pool.
func (d *DB) UpsertAttachment(ctx context.Context, a dx.Attachment) (int64, error) {
	return upsertAttachment(ctx, d.pool, a)
}

// UpsertAttachment records an extracted binary within the batch's
// transaction.
func (b *BatchTx) UpsertAttachment(ctx context.Context, a dx.Attachment) (int64, error) {
	return upsertAttachment(ctx, b.tx, a)
}

func upsertAttachment(ctx context.Context, q conn, a dx.Attachment) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO attachments (unid, filename, sha256, item_name, kind, mime_type, size_bytes, storage_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (unid, filename, sha256) DO UPDATE SET storage_path = EXCLUDED.storage_path
		RETURNING id
	`, a.UNID, a.Filename, a.SHA256[:], a.ItemName, string(a.Kind), a.MimeType, a.SizeBytes, a.StoragePath).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert attachment: %w", err)
	}
	return id, nil
}

// UpsertDocumentView records that unid appeared under categoryPath in
// viewName during the current pass, against the pool.
func (d *DB) UpsertDocumentView(ctx context.Context, dv dx.DocumentView) error {
	return upsertDocumentView(ctx, d.pool, dv)
}

// UpsertDocumentView records that unid appeared under categoryPath in
// viewName, within the batch's transaction.
func (b *BatchTx) UpsertDocumentView(ctx context.Context, dv dx.DocumentView) error {
	return upsertDocumentView(ctx, b.tx, dv)
}

func upsertDocumentView(ctx context.Context, q conn, dv dx.DocumentView) error {
	_, err := q.Exec(ctx, `
		INSERT INTO document_views (unid, view_name, category_path, leaf_category)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (unid, view_name, category_path) DO UPDATE SET leaf_category = EXCLUDED.leaf_category
	`, dv.UNID, dv.ViewName, dv.CategoryPath, dv.LeafCategory)
	return err
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal that a concurrent insert beat this one to
// a dedup row and the caller should re-select rather than fail.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
