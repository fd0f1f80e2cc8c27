package dx

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	eve "notesync.evalgo.org/common"
)

const (
	maxSubjectLen = 1024
	maxFormLen    = 256
	maxAuthorLen  = 512
	maxTextBody   = 4096
	maxStringLen  = 1024
)

// CAS is the subset of cas.Store the upserter needs.
type CAS interface {
	Put(ctx context.Context, localPath string) (digest [32]byte, relPath string, size int64, err error)
}

// DocStore is the subset of the SQL sink the upserter needs.
type DocStore interface {
	UpsertDocument(ctx context.Context, doc Document) error
	GetOrCreateItem(ctx context.Context, name string, notesFilter *int) (id int64, currentFilter *int, err error)
	GetOrCreateItemValue(ctx context.Context, v ItemValue) (int64, error)
	UpsertDocItemValue(ctx context.Context, div DocItemValue) error
	ClearDocItemValuesFrom(ctx context.Context, unid string, itemID int64, fromOrder int) error
	UpsertAttachment(ctx context.Context, a Attachment) (int64, error)
	UpsertDocumentView(ctx context.Context, dv DocumentView) error
}

// Upserter drives the 11-step document upsert pipeline (spec §4.5).
type Upserter struct {
	Store  DocStore
	CAS    CAS
	Policy UnknownItemPolicy // defaults to UnknownItemStore if empty
}

func (u *Upserter) policy() UnknownItemPolicy {
	if u.Policy == "" {
		return UnknownItemStore
	}
	return u.Policy
}

func truncate(s string, max int, field string, unid string) string {
	if len(s) <= max {
		return s
	}
	eve.Logger.WithField("unid", unid).WithField("field", field).Warn("dx: truncating oversized field")
	return s[:max]
}

func firstNonEmpty(doc bridgeItemLookup, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := doc.stringItem(n); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// bridgeItemLookup adapts a decoded item map for case-insensitive
// lookups, used by metadata extraction (spec §4.5 step 1).
type bridgeItemLookup struct {
	byLower map[string][]any
}

func newItemLookup(items []bridgeItem) bridgeItemLookup {
	m := make(map[string][]any, len(items))
	for _, it := range items {
		m[strings.ToLower(it.Name)] = it.Values
	}
	return bridgeItemLookup{byLower: m}
}

func (l bridgeItemLookup) stringItem(name string) (string, bool) {
	vals, ok := l.byLower[strings.ToLower(name)]
	if !ok || len(vals) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		if v != nil {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, "; "), len(parts) > 0
}

// bridgeItem is the minimal decoded shape the upserter needs from a
// bridge.Item, kept separate from the bridge package so this file has no
// import-cycle risk with bridge's own test fakes.
type bridgeItem struct {
	Name     string
	Values   []any
	IsRich   bool
	HasAppnd bool
}

func (l bridgeItemLookup) timeItem(name string) (time.Time, bool) {
	vals, ok := l.byLower[strings.ToLower(name)]
	if !ok || len(vals) == 0 {
		return time.Time{}, false
	}
	if t, ok := vals[0].(time.Time); ok {
		return t.UTC(), true
	}
	if s, ok := vals[0].(string); ok {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// ExtractedAttachment is one binary discovered on a document, unioned
// across the three discovery strategies described in spec_full §12.5.
type ExtractedAttachment struct {
	Filename string
	LocalTmp string
	ItemName string
	Kind     AttachmentKind
	MimeType string
	SizeHint int64
}

// dedupKey identifies an extracted attachment for cross-strategy dedup.
func (a ExtractedAttachment) dedupKey() string {
	return string(a.Kind) + "\x1f" + a.Filename
}

// classifyValue implements spec §4.5 step 7's type classification rules,
// returning the kind and the value fields to populate.
func classifyValue(raw any, isRichItem bool) (kind ValKind, v ItemValue) {
	if raw == nil {
		return ValUnknown, ItemValue{Kind: ValUnknown}
	}
	switch t := raw.(type) {
	case bool:
		b := t
		return ValBool, ItemValue{Kind: ValBool, VBool: &b}
	case int:
		n := float64(t)
		return ValNumber, ItemValue{Kind: ValNumber, VNumber: &n}
	case int64:
		n := float64(t)
		return ValNumber, ItemValue{Kind: ValNumber, VNumber: &n}
	case float64:
		n := t
		return ValNumber, ItemValue{Kind: ValNumber, VNumber: &n}
	case time.Time:
		dt := t.UTC()
		return ValDatetime, ItemValue{Kind: ValDatetime, VDatetime: &dt}
	case string:
		if dt, ok := parseISODatetime(t); ok {
			return ValDatetime, ItemValue{Kind: ValDatetime, VDatetime: &dt}
		}
		if isRichItem {
			if len(t) <= maxStringLen {
				s := t
				return ValRichText, ItemValue{Kind: ValRichText, VString: &s}
			}
			head := t[:maxStringLen]
			full := t
			return ValRichText, ItemValue{Kind: ValRichText, VString: &head, VText: &full}
		}
		if len(t) <= maxStringLen {
			s := t
			return ValString, ItemValue{Kind: ValString, VString: &s}
		}
		head := t[:maxStringLen]
		full := t
		return ValText, ItemValue{Kind: ValText, VString: &head, VText: &full}
	default:
		s := fmt.Sprint(t)
		if len(s) <= maxStringLen {
			return ValString, ItemValue{Kind: ValString, VString: &s}
		}
		head := s[:maxStringLen]
		return ValText, ItemValue{Kind: ValText, VString: &head, VText: &s}
	}
}

func parseISODatetime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// canonicalizeCategoryPath splits on backslash, trims and drops empty
// components, and rejoins (spec §4.5 step 10).
func canonicalizeCategoryPath(raw string) (full, leaf string) {
	parts := strings.Split(raw, "\\")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	full = strings.Join(out, "\\")
	if len(out) > 0 {
		leaf = out[len(out)-1]
	}
	return full, leaf
}

// UpsertInput is everything the upserter needs about one document,
// decoupled from the bridge interfaces so the pipeline is independently
// testable with plain structs.
type UpsertInput struct {
	SourceID     int64
	UNID         string
	NoteID       string
	Items        []bridgeItem
	Attachments  []ExtractedAttachment
	ViewName     string
	CategoryPath string
}

// Upsert runs the full document pipeline against the upserter's
// configured Store. See UpsertTx for the real implementation.
func (u *Upserter) Upsert(ctx context.Context, in UpsertInput) error {
	return u.UpsertTx(ctx, u.Store, in)
}

// UpsertTx runs the full document pipeline: metadata, text body,
// embedded object extraction, document row, per-item values,
// attachments, $FILE linking and the document-view record, all
// attributed to one call (spec §4.5), against the given store. The
// orchestrator passes a single batch's transaction here so every write
// lands or rolls back together (spec §5).
func (u *Upserter) UpsertTx(ctx context.Context, store DocStore, in UpsertInput) error {
	lookup := newItemLookup(in.Items)

	subject, _ := lookup.stringItem("subject")
	subject = truncate(subject, maxSubjectLen, "subject", in.UNID)
	form, _ := lookup.stringItem("form")
	form = truncate(form, maxFormLen, "form", in.UNID)
	author, _ := firstNonEmpty(lookup, "author", "from", "postedby")
	author = truncate(author, maxAuthorLen, "author", in.UNID)

	createdAt, _ := lookup.timeItem("created")
	modifiedAt, _ := lookup.timeItem("lastmodified")

	textBody := buildTextBody(in.Items, in.Attachments)
	var textHash *[32]byte
	if textBody != "" {
		h := sha256.Sum256([]byte(textBody))
		textHash = &h
	}

	storedAtts, err := u.storeAttachments(ctx, store, in.UNID, in.Attachments)
	if err != nil {
		return fmt.Errorf("dx: store attachments for %s: %w", in.UNID, err)
	}

	doc := Document{
		UNID:           in.UNID,
		SourceID:       in.SourceID,
		NoteID:         in.NoteID,
		Form:           form,
		Subject:        subject,
		Author:         author,
		CreatedAt:      createdAt,
		ModifiedAt:     modifiedAt,
		HasAttachments: len(storedAtts) > 0,
		TextHash:       textHash,
		TextBody:       textBody,
		DocSizeBytes:   int64(len(textBody)),
	}
	if err := store.UpsertDocument(ctx, doc); err != nil {
		return err
	}

	attByDedupKey := make(map[string]int64, len(storedAtts))
	for key, id := range storedAtts {
		attByDedupKey[key] = id
	}

	for _, it := range in.Items {
		if err := u.upsertItem(ctx, store, in.UNID, it, attByDedupKey); err != nil {
			return fmt.Errorf("dx: upsert item %q on %s: %w", it.Name, in.UNID, err)
		}
	}

	fullPath, leaf := canonicalizeCategoryPath(in.CategoryPath)
	if err := store.UpsertDocumentView(ctx, DocumentView{
		UNID:         in.UNID,
		ViewName:     in.ViewName,
		CategoryPath: fullPath,
		LeafCategory: leaf,
	}); err != nil {
		return err
	}

	return nil
}

// storeAttachments pushes every extracted attachment into CAS and the
// SQL sink, deduping by (kind, filename) per spec_full §12.5 and
// skipping (with a log line, not an error) any single attachment whose
// extraction or storage fails so the rest of the document still lands.
func (u *Upserter) storeAttachments(ctx context.Context, store DocStore, unid string, atts []ExtractedAttachment) (map[string]int64, error) {
	out := make(map[string]int64, len(atts))
	seen := make(map[string]bool, len(atts))
	for _, a := range atts {
		key := a.dedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true

		digest, relPath, size, err := u.CAS.Put(ctx, a.LocalTmp)
		if err != nil {
			eve.Logger.WithField("unid", unid).WithField("filename", a.Filename).WithError(err).Warn("dx: attachment extraction failed, skipping")
			continue
		}
		var mime *string
		if a.MimeType != "" {
			mime = &a.MimeType
		}
		id, err := store.UpsertAttachment(ctx, Attachment{
			UNID:        unid,
			Filename:    a.Filename,
			SHA256:      digest,
			ItemName:    a.ItemName,
			Kind:        a.Kind,
			MimeType:    mime,
			SizeBytes:   size,
			StoragePath: relPath,
		})
		if err != nil {
			return nil, err
		}
		out[key] = id
	}
	return out, nil
}

// buildTextBody concatenates rich-text items as "<name>:\n<text>\n",
// simple items (when their joined string form is short enough) as
// "<name>: <joined>", and appends one filename marker line per
// discovered attachment (spec §4.5 step 3, spec_full §12.6).
func buildTextBody(items []bridgeItem, atts []ExtractedAttachment) string {
	var lines []string
	for _, it := range items {
		lookup := newItemLookup([]bridgeItem{it})
		joined, ok := lookup.stringItem(it.Name)
		if !ok {
			continue
		}
		if it.IsRich {
			lines = append(lines, it.Name+":\n"+joined+"\n")
		} else if len(joined) <= maxTextBody {
			lines = append(lines, it.Name+": "+joined)
		}
	}
	seen := make(map[string]bool, len(atts))
	for _, a := range atts {
		key := a.dedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		lines = append(lines, fmt.Sprintf("[[attachment: %s]]", a.Filename))
	}
	return strings.Join(lines, "\n")
}

// upsertItem implements spec §4.5 step 7: catalog filter, classification
// into the 8 val_kinds, dedup via get_or_create_item_value, and the
// DocItemValue linker. $FILE items additionally link to an attachment id
// when one was stored for the same filename (step 9).
func (u *Upserter) upsertItem(ctx context.Context, store DocStore, unid string, it bridgeItem, attByKey map[string]int64) error {
	itemID, currentFilter, err := store.GetOrCreateItem(ctx, it.Name, nil)
	if err != nil {
		return err
	}

	// notes_filter == 1 always stores. Any other explicit value is an
	// administrator opt-out. An item whose catalog row has no notes_filter
	// (currentFilter == nil, including a row the call above just created)
	// falls back to the configured unknown-item policy (spec §4.5 step 7,
	// spec_full §1 open-question decision).
	shouldStore := true
	switch {
	case currentFilter != nil:
		shouldStore = *currentFilter == 1
	default:
		shouldStore = u.policy() == UnknownItemStore
	}
	if !shouldStore {
		return nil
	}

	isFile := strings.EqualFold(it.Name, "$FILE")

	order := 0
	for _, raw := range it.Values {
		kind, v := classifyValue(raw, it.IsRich)
		v.ItemID = itemID
		v.Kind = kind

		if isFile {
			if filename, ok := raw.(string); ok {
				for key, attID := range attByKey {
					if strings.HasSuffix(key, "\x1f"+filename) {
						id := attID
						v.AttachmentID = &id
						break
					}
				}
			}
		}

		valueID, err := store.GetOrCreateItemValue(ctx, v)
		if err != nil {
			return err
		}
		if err := store.UpsertDocItemValue(ctx, DocItemValue{
			UNID:        unid,
			ItemID:      itemID,
			ValOrder:    order,
			ItemValueID: valueID,
		}); err != nil {
			return err
		}
		order++
	}
	if err := store.ClearDocItemValuesFrom(ctx, unid, itemID, order); err != nil {
		return err
	}
	return nil
}

