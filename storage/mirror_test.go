package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorUploadAndSkipUnchanged(t *testing.T) {
	ctx := context.Background()
	mock := NewMockS3Client()

	m, err := NewMirror(ctx, mock, "cas-mirror")
	require.NoError(t, err)
	assert.True(t, mock.CreateBucketCalled)

	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte("attachment bytes"), 0o644))

	require.NoError(t, m.Upload(ctx, "ab/cd/deadbeef.bin", path))
	assert.True(t, mock.PutObjectCalled)
	assert.Len(t, mock.Objects, 1)

	mock.PutObjectCalled = false
	require.NoError(t, m.Upload(ctx, "ab/cd/deadbeef.bin", path))
	assert.False(t, mock.PutObjectCalled, "second upload of identical content should be skipped")
}

func TestMirrorGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	mock := NewMockS3Client()
	m, err := NewMirror(ctx, mock, "cas-mirror")
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	content := []byte("hello from the document store")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, m.Upload(ctx, "hh/hh/digest.bin", path))

	got, err := m.Get(ctx, "hh/hh/digest.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
