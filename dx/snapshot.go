package dx

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"notesync.evalgo.org/bridge"
)

const (
	// maxSnapshotRestarts bounds how many times BuildSnapshot re-scans a
	// view from scratch after a transient interruption (spec §4.4).
	maxSnapshotRestarts = 5
	// batchSize is the number of documents processed per checkpoint write
	// (spec §4.4).
	batchSize = 50
)

// CheckpointStore is the subset of the SQL sink the checkpoint engine
// needs outside of a batch transaction.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, planID, sourceID int64, viewName string) (ETLCheckpoint, bool, error)
	DeleteCheckpoint(ctx context.Context, planID, sourceID int64, viewName string) error
}

// BatchTx is a single SQL transaction spanning one checkpointed batch of
// documents: every DocStore write the batch's documents need plus the
// batch's SaveCheckpoint share it, so a mid-batch failure rolls the
// whole batch back instead of leaving it half-committed (spec §5).
type BatchTx interface {
	DocStore
	SaveCheckpoint(ctx context.Context, cp ETLCheckpoint) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// BatchStore opens the per-batch transaction RunCheckpointed runs each
// batch's writes and checkpoint advance through.
type BatchStore interface {
	BeginBatch(ctx context.Context) (BatchTx, error)
}

// sanitizeCategoryPath trims surrounding whitespace and strips control
// characters from a view entry's column-derived category path so it is
// safe to store and compare.
func sanitizeCategoryPath(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func categoryPathFromColumns(cols []any) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == nil {
			continue
		}
		parts = append(parts, fmt.Sprint(c))
	}
	return sanitizeCategoryPath(strings.Join(parts, "\\"))
}

// scanOnce iterates a view's entries exactly once, in view order,
// skipping non-document entries (category headers) and duplicate UNIDs
// (keeping the first occurrence, per spec §4.4).
func scanOnce(ctx context.Context, view bridge.View) ([]SnapshotEntry, error) {
	it, err := view.Entries(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var entries []SnapshotEntry
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if !entry.IsDocument() {
			continue
		}
		unid := entry.UNID()
		if seen[unid] {
			continue
		}
		seen[unid] = true
		entries = append(entries, SnapshotEntry{
			UNID:         unid,
			CategoryPath: categoryPathFromColumns(entry.ColumnValues()),
		})
	}
	return entries, nil
}

// BuildSnapshot scans viewName in full, restarting the scan from the
// beginning (after reopening the view) up to maxSnapshotRestarts times
// if a transient error interrupts it midway (spec §4.4). A non-transient
// error is returned immediately without retrying.
func BuildSnapshot(ctx context.Context, rc *bridge.ReopenContext, viewName string) ([]SnapshotEntry, error) {
	var lastErr error
	for attempt := 0; attempt <= maxSnapshotRestarts; attempt++ {
		view, err := rc.View(ctx)
		if err != nil {
			if !bridge.IsTransient(err) {
				return nil, err
			}
			lastErr = err
			if _, rerr := rc.ReopenDB(ctx); rerr != nil {
				lastErr = rerr
			}
			continue
		}
		entries, err := scanOnce(ctx, view)
		if err == nil {
			return entries, nil
		}
		if !bridge.IsTransient(err) {
			return nil, fmt.Errorf("dx: scan view %q: %w", viewName, err)
		}
		lastErr = err
		if _, rerr := rc.ReopenView(ctx); rerr != nil {
			lastErr = rerr
		}
	}
	return nil, fmt.Errorf("dx: scan view %q exhausted %d restarts: %w", viewName, maxSnapshotRestarts, lastErr)
}

// SnapshotSignature computes a stable digest over an ordered snapshot so
// the checkpoint engine can detect that a view's contents changed shape
// since the last pass (spec §4.4). Only the ordered UNIDs feed the hash;
// category path changes alone must not reset the checkpoint.
func SnapshotSignature(entries []SnapshotEntry) [32]byte {
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.UNID))
		h.Write([]byte{0x00})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BatchFunc processes one batch of snapshot entries, e.g. upserting each
// document, against tx. A returned error rolls the whole batch's
// transaction back and aborts the remainder of the run without
// advancing the checkpoint past the failed batch. Per-document data
// errors should be logged and skipped by the callback itself rather
// than returned, so one bad document doesn't roll back its siblings.
type BatchFunc func(ctx context.Context, tx BatchTx, batch []SnapshotEntry) error

// RunCheckpointed builds (or resumes) a snapshot of viewName and feeds it
// to process in fixed-size batches, each wrapped in its own SQL
// transaction that also carries the batch's checkpoint write, so the two
// always advance together (spec §5). An interrupted run resumes at the
// next batch boundary rather than from scratch (spec §4.4). If the
// freshly built snapshot's signature differs from the stored
// checkpoint's, the checkpoint is dropped, onReset is invoked if
// non-nil, and the view restarts at index 0.
func RunCheckpointed(ctx context.Context, cps CheckpointStore, batches BatchStore, rc *bridge.ReopenContext, planID, sourceID int64, viewName string, process BatchFunc, onReset func()) error {
	entries, err := BuildSnapshot(ctx, rc, viewName)
	if err != nil {
		return err
	}
	sig := SnapshotSignature(entries)
	sigHex := fmt.Sprintf("%x", sig)

	cp, ok, err := cps.LoadCheckpoint(ctx, planID, sourceID, viewName)
	if err != nil {
		return err
	}

	startIndex := 0
	if ok {
		if cp.SnapshotSig == sigHex {
			startIndex = cp.NextIndex
		} else {
			if err := cps.DeleteCheckpoint(ctx, planID, sourceID, viewName); err != nil {
				return err
			}
			if onReset != nil {
				onReset()
			}
		}
	}
	if startIndex > len(entries) {
		startIndex = 0
	}

	for i := startIndex; i < len(entries); i += batchSize {
		end := i + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[i:end]

		tx, err := batches.BeginBatch(ctx)
		if err != nil {
			return fmt.Errorf("dx: begin batch [%d:%d) of view %q: %w", i, end, viewName, err)
		}

		if err := process(ctx, tx, batch); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("dx: process batch [%d:%d) of view %q: %w", i, end, viewName, err)
		}

		lastUNID := ""
		if len(batch) > 0 {
			lastUNID = batch[len(batch)-1].UNID
		}
		if err := tx.SaveCheckpoint(ctx, ETLCheckpoint{
			PlanID:      planID,
			SourceID:    sourceID,
			ViewName:    viewName,
			SnapshotSig: sigHex,
			NextIndex:   end,
			LastUNID:    lastUNID,
		}); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("dx: save checkpoint for batch [%d:%d) of view %q: %w", i, end, viewName, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("dx: commit batch [%d:%d) of view %q: %w", i, end, viewName, err)
		}
	}
	return nil
}
