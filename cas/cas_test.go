package cas

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutIsIdempotent(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)

	src := filepath.Join(t.TempDir(), "attachment.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello attachment"), 0o644))

	digest1, rel1, size1, err := store.Put(context.Background(), src)
	require.NoError(t, err)

	digest2, rel2, size2, err := store.Put(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, digest1, digest2)
	assert.Equal(t, rel1, rel2)
	assert.Equal(t, size1, size2)

	hexDigest := hex.EncodeToString(digest1[:])
	assert.Equal(t, filepath.Join(hexDigest[0:2], hexDigest[2:4], hexDigest+".bin"), rel1)

	data, err := os.ReadFile(store.AbsPath(rel1))
	require.NoError(t, err)
	assert.Equal(t, "hello attachment", string(data))
}

func TestPutDifferentContentDifferentPath(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	dir := t.TempDir()

	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(a, []byte("content A"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("content B"), 0o644))

	_, relA, _, err := store.Put(context.Background(), a)
	require.NoError(t, err)
	_, relB, _, err := store.Put(context.Background(), b)
	require.NoError(t, err)

	assert.NotEqual(t, relA, relB)
}

func TestNewStoreFallsBackWhenRootUnwritable(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root, permission-based unwritable dir is not enforced")
	}
	parent := t.TempDir()
	unwritable := filepath.Join(parent, "locked")
	require.NoError(t, os.Mkdir(unwritable, 0o500))
	t.Cleanup(func() { os.Chmod(unwritable, 0o700) })

	store := NewStore(filepath.Join(unwritable, "cas"))
	assert.True(t, store.fellBack)
	assert.NotEqual(t, filepath.Join(unwritable, "cas"), store.root)
}

type fakeMirror struct {
	uploaded []string
}

func (f *fakeMirror) Upload(_ context.Context, objectKey, _ string) error {
	f.uploaded = append(f.uploaded, objectKey)
	return nil
}

func TestPutInvokesMirror(t *testing.T) {
	store := NewStore(t.TempDir())
	mirror := &fakeMirror{}
	store.Mirror = mirror

	src := filepath.Join(t.TempDir(), "att.bin")
	require.NoError(t, os.WriteFile(src, []byte("mirrored bytes"), 0o644))

	_, rel, _, err := store.Put(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, mirror.uploaded, 1)
	assert.Equal(t, rel, mirror.uploaded[0])
}
