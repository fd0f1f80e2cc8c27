package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientMatchesFixedSubstrings(t *testing.T) {
	cases := []struct {
		msg       string
		transient bool
	}{
		{"Network error talking to server", true},
		{"the server is not responding", true},
		{"Timed out waiting for reply", true},
		{"Argument has been deleted", true},
		{"Object variable not set", true},
		{"unable to find path to server XYZ/Mail", true},
		{"no network connection available", true},
		{"port error on socket", true},
		{"NotesViewEntryCollection is invalid", true},
		{"permission denied", false},
		{"document not found", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.transient, IsTransient(errors.New(c.msg)), c.msg)
	}
	assert.False(t, IsTransient(nil))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("Network hiccup")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsImmediatelyOnNonTransient(t *testing.T) {
	var calls int
	err := Retry(context.Background(), func() error {
		calls++
		return errors.New("permission denied")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "permission denied", err.Error())
}

func TestRetryExhaustsAfterSixAttempts(t *testing.T) {
	var calls int
	err := Retry(context.Background(), func() error {
		calls++
		return errors.New("Timed out")
	})
	require.Error(t, err)
	assert.Equal(t, 6, calls)
}

func TestRetryWithReopenRebuildsHandlesOnRetry(t *testing.T) {
	var reopenDBCalls, reopenViewCalls, fnCalls int

	rc := NewReopenContext(
		func(ctx context.Context) (Database, error) {
			reopenDBCalls++
			return fakeDatabase{}, nil
		},
		func(ctx context.Context, db Database, name string) (View, error) {
			reopenViewCalls++
			return fakeView{name: name}, nil
		},
		"All Documents",
	)

	err := RetryWithReopen(context.Background(), rc, func(ctx context.Context) error {
		fnCalls++
		if fnCalls < 2 {
			return errors.New("server is not responding")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, fnCalls)
	assert.Equal(t, 1, reopenDBCalls, "reopen happens before retries after the first attempt")
	assert.Equal(t, 1, reopenViewCalls)
}

type fakeDatabase struct{}

func (fakeDatabase) GetView(ctx context.Context, name string) (View, error) { return fakeView{name: name}, nil }
func (fakeDatabase) Views(ctx context.Context) ([]string, error)            { return nil, nil }
func (fakeDatabase) GetDocumentByUNID(ctx context.Context, unid string) (Document, error) {
	return nil, errors.New("not found")
}
func (fakeDatabase) Title() string     { return "fake" }
func (fakeDatabase) ReplicaID() string { return "0000" }

type fakeView struct{ name string }

func (v fakeView) Name() string { return v.name }
func (v fakeView) Entries(ctx context.Context) (EntryIterator, error) { return nil, nil }
