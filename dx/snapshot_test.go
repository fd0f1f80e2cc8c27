package dx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesync.evalgo.org/bridge"
)

type fakeEntry struct {
	unid    string
	isDoc   bool
	columns []any
}

func (e fakeEntry) IsDocument() bool                                 { return e.isDoc }
func (e fakeEntry) UNID() string                                     { return e.unid }
func (e fakeEntry) ColumnValues() []any                              { return e.columns }
func (e fakeEntry) Document(ctx context.Context) (bridge.Document, error) { return nil, nil }

type fakeIterator struct {
	view *fakeView
	pos  int
}

func (it *fakeIterator) Next(ctx context.Context) (bridge.Entry, bool, error) {
	if it.view.failAt >= 0 && it.pos == it.view.failAt {
		it.view.failAt = -1 // fails only once across all restarts of this view
		return nil, false, errors.New("server is not responding")
	}
	if it.pos >= len(it.view.entries) {
		return nil, false, nil
	}
	e := it.view.entries[it.pos]
	it.pos++
	return e, true, nil
}

type fakeView struct {
	name    string
	entries []fakeEntry
	failAt  int
}

func (v *fakeView) Name() string { return v.name }
func (v *fakeView) Entries(ctx context.Context) (bridge.EntryIterator, error) {
	return &fakeIterator{view: v}, nil
}

type fakeDB struct{ views map[string]*fakeView }

func (d *fakeDB) GetView(ctx context.Context, name string) (bridge.View, error) {
	v, ok := d.views[name]
	if !ok {
		return nil, errors.New("view not found")
	}
	return v, nil
}
func (d *fakeDB) Views(ctx context.Context) ([]string, error) {
	var names []string
	for n := range d.views {
		names = append(names, n)
	}
	return names, nil
}
func (d *fakeDB) GetDocumentByUNID(ctx context.Context, unid string) (bridge.Document, error) {
	return nil, errors.New("not found")
}
func (d *fakeDB) Title() string     { return "fake" }
func (d *fakeDB) ReplicaID() string { return "0" }

func TestScanOnceSkipsNonDocumentsAndDuplicates(t *testing.T) {
	v := &fakeView{name: "All", failAt: -1, entries: []fakeEntry{
		{unid: "cat-header", isDoc: false},
		{unid: "A", isDoc: true, columns: []any{"Finance"}},
		{unid: "A", isDoc: true, columns: []any{"Finance"}},
		{unid: "B", isDoc: true, columns: []any{"HR"}},
	}}
	entries, err := scanOnce(context.Background(), v)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].UNID)
	assert.Equal(t, "B", entries[1].UNID)
}

func TestBuildSnapshotRestartsOnTransientError(t *testing.T) {
	db := &fakeDB{views: map[string]*fakeView{
		"All": {name: "All", failAt: 1, entries: []fakeEntry{
			{unid: "A", isDoc: true},
			{unid: "B", isDoc: true},
		}},
	}}
	rc := bridge.NewReopenContext(
		func(ctx context.Context) (bridge.Database, error) { return db, nil },
		func(ctx context.Context, d bridge.Database, name string) (bridge.View, error) { return d.GetView(ctx, name) },
		"All",
	)
	entries, err := BuildSnapshot(context.Background(), rc, "All")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSnapshotSignatureStableForSameOrder(t *testing.T) {
	a := []SnapshotEntry{{UNID: "A"}, {UNID: "B"}}
	b := []SnapshotEntry{{UNID: "A"}, {UNID: "B"}}
	assert.Equal(t, SnapshotSignature(a), SnapshotSignature(b))
}

func TestSnapshotSignatureDiffersForDifferentOrder(t *testing.T) {
	a := []SnapshotEntry{{UNID: "A"}, {UNID: "B"}}
	b := []SnapshotEntry{{UNID: "B"}, {UNID: "A"}}
	assert.NotEqual(t, SnapshotSignature(a), SnapshotSignature(b))
}

type fakeCheckpointStore struct {
	cp  ETLCheckpoint
	ok  bool
	del bool
}

func (f *fakeCheckpointStore) LoadCheckpoint(ctx context.Context, planID, sourceID int64, viewName string) (ETLCheckpoint, bool, error) {
	return f.cp, f.ok, nil
}
func (f *fakeCheckpointStore) DeleteCheckpoint(ctx context.Context, planID, sourceID int64, viewName string) error {
	f.del = true
	f.ok = false
	return nil
}

// fakeBatchTx is a no-op BatchTx whose SaveCheckpoint writes through to
// the fakeCheckpointStore backing the test, so RunCheckpointed's
// checkpoint assertions still observe the batch's advance.
type fakeBatchTx struct {
	cps *fakeCheckpointStore
}

func (t *fakeBatchTx) UpsertDocument(ctx context.Context, doc Document) error { return nil }
func (t *fakeBatchTx) GetOrCreateItem(ctx context.Context, name string, notesFilter *int) (int64, *int, error) {
	return 0, nil, nil
}
func (t *fakeBatchTx) GetOrCreateItemValue(ctx context.Context, v ItemValue) (int64, error) {
	return 0, nil
}
func (t *fakeBatchTx) UpsertDocItemValue(ctx context.Context, div DocItemValue) error { return nil }
func (t *fakeBatchTx) ClearDocItemValuesFrom(ctx context.Context, unid string, itemID int64, fromOrder int) error {
	return nil
}
func (t *fakeBatchTx) UpsertAttachment(ctx context.Context, a Attachment) (int64, error) {
	return 0, nil
}
func (t *fakeBatchTx) UpsertDocumentView(ctx context.Context, dv DocumentView) error { return nil }
func (t *fakeBatchTx) SaveCheckpoint(ctx context.Context, cp ETLCheckpoint) error {
	t.cps.cp = cp
	t.cps.ok = true
	return nil
}
func (t *fakeBatchTx) Commit(ctx context.Context) error   { return nil }
func (t *fakeBatchTx) Rollback(ctx context.Context) error { return nil }

type fakeBatchStore struct {
	cps *fakeCheckpointStore
}

func (s *fakeBatchStore) BeginBatch(ctx context.Context) (BatchTx, error) {
	return &fakeBatchTx{cps: s.cps}, nil
}

func TestRunCheckpointedResumesFromNextIndexWhenSignatureMatches(t *testing.T) {
	db := &fakeDB{views: map[string]*fakeView{
		"All": {name: "All", failAt: -1, entries: []fakeEntry{
			{unid: "A", isDoc: true}, {unid: "B", isDoc: true}, {unid: "C", isDoc: true},
		}},
	}}
	rc := bridge.NewReopenContext(
		func(ctx context.Context) (bridge.Database, error) { return db, nil },
		func(ctx context.Context, d bridge.Database, name string) (bridge.View, error) { return d.GetView(ctx, name) },
		"All",
	)
	entries, _ := BuildSnapshot(context.Background(), rc, "All")
	sig := SnapshotSignature(entries)
	cps := &fakeCheckpointStore{ok: true, cp: ETLCheckpoint{NextIndex: 2, SnapshotSig: hexOf(sig)}}
	bs := &fakeBatchStore{cps: cps}

	var seen []string
	err := RunCheckpointed(context.Background(), cps, bs, rc, 1, 1, "All", func(ctx context.Context, tx BatchTx, batch []SnapshotEntry) error {
		for _, e := range batch {
			seen = append(seen, e.UNID)
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, seen)
}

func TestRunCheckpointedResetsWhenSignatureDiverges(t *testing.T) {
	db := &fakeDB{views: map[string]*fakeView{
		"All": {name: "All", failAt: -1, entries: []fakeEntry{
			{unid: "A", isDoc: true}, {unid: "B", isDoc: true},
		}},
	}}
	rc := bridge.NewReopenContext(
		func(ctx context.Context) (bridge.Database, error) { return db, nil },
		func(ctx context.Context, d bridge.Database, name string) (bridge.View, error) { return d.GetView(ctx, name) },
		"All",
	)
	cps := &fakeCheckpointStore{ok: true, cp: ETLCheckpoint{NextIndex: 2, SnapshotSig: "stale"}}
	bs := &fakeBatchStore{cps: cps}

	var seen []string
	resets := 0
	err := RunCheckpointed(context.Background(), cps, bs, rc, 1, 1, "All", func(ctx context.Context, tx BatchTx, batch []SnapshotEntry) error {
		for _, e := range batch {
			seen = append(seen, e.UNID)
		}
		return nil
	}, func() { resets++ })
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, seen)
	assert.True(t, cps.del)
	assert.Equal(t, 1, resets)
}

func hexOf(sig [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range sig {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0xf]
	}
	return string(out)
}
