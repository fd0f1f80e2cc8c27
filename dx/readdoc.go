package dx

import (
	"context"
	"fmt"

	"notesync.evalgo.org/bridge"
	eve "notesync.evalgo.org/common"
)

// ReadDocument is the default DocumentReader: it looks unid up on db and
// decodes its items plus the union of its three attachment discovery
// strategies (EmbeddedObjects, $FILE items, MIME entity walking), deduping
// by (kind, filename) as original_source/extract-prod-domino.py's
// discover_all_embeds does (spec_full §12.5).
func ReadDocument(ctx context.Context, db bridge.Database, unid string) ([]bridgeItem, []ExtractedAttachment, string, error) {
	doc, err := db.GetDocumentByUNID(ctx, unid)
	if err != nil {
		return nil, nil, "", fmt.Errorf("dx: look up document %s: %w", unid, err)
	}
	return readDocumentItems(ctx, doc)
}

func readDocumentItems(ctx context.Context, doc bridge.Document) ([]bridgeItem, []ExtractedAttachment, string, error) {
	items, err := doc.Items(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("dx: read items for %s: %w", doc.UNID(), err)
	}

	decoded := make([]bridgeItem, 0, len(items))
	for _, it := range items {
		// The bridge's explicit item type decides when it reports one; the
		// EmbeddedObjects/AppendText heuristic applies only to ItemTypeUnknown.
		isRich := it.Type == bridge.ItemTypeRichText
		if it.Type == bridge.ItemTypeUnknown {
			isRich = it.IsRich || it.HasAppnd
		}
		decoded = append(decoded, bridgeItem{
			Name:     it.Name,
			Values:   it.Values,
			IsRich:   isRich,
			HasAppnd: it.HasAppnd,
		})
	}

	seen := make(map[string]bool)
	var atts []ExtractedAttachment
	add := func(a ExtractedAttachment) {
		if !seen[a.dedupKey()] {
			seen[a.dedupKey()] = true
			atts = append(atts, a)
		}
	}

	embeds, err := doc.EmbeddedObjects(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("dx: read embedded objects for %s: %w", doc.UNID(), err)
	}
	for _, e := range embeds {
		kind, ok := embedKind(e.Type)
		if !ok {
			eve.Logger.WithField("unid", doc.UNID()).WithField("embed_type", e.Type).
				WithField("name", e.Name).Info("dx: skipping embedded object of unrecognized type")
			continue
		}
		add(ExtractedAttachment{
			Filename: e.Name,
			LocalTmp: e.Source,
			Kind:     kind,
			SizeHint: e.SizeHint,
		})
	}

	fileItems, err := doc.FileItems(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("dx: read $FILE items for %s: %w", doc.UNID(), err)
	}
	for _, f := range fileItems {
		add(ExtractedAttachment{
			Filename: f.Filename,
			LocalTmp: f.Path,
			Kind:     AttachmentKindFile,
			MimeType: f.MimeType,
			SizeHint: f.Size,
		})
	}

	mimeAtts, err := doc.MIMEAttachments(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("dx: walk MIME entity tree for %s: %w", doc.UNID(), err)
	}
	for _, m := range mimeAtts {
		add(ExtractedAttachment{
			Filename: m.Filename,
			LocalTmp: m.Path,
			Kind:     AttachmentKindObject,
			MimeType: m.MimeType,
			SizeHint: m.Size,
		})
	}

	return decoded, atts, doc.NoteID(), nil
}

// embedKind maps the bridge's numeric embedded-object type constants to
// an AttachmentKind. ok is false for a type value outside the three
// documented constants (image/OLE/attachment), and the caller skips the
// embedded object entirely rather than ingesting it (spec §4.5 step 5).
func embedKind(t int) (kind AttachmentKind, ok bool) {
	switch t {
	case bridge.EmbedTypeImage:
		return AttachmentKindImage, true
	case bridge.EmbedTypeOLE:
		return AttachmentKindOLE, true
	case bridge.EmbedTypeAttachment:
		return AttachmentKindFile, true
	default:
		return "", false
	}
}
