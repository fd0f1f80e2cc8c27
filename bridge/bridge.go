// Package bridge wraps the host object bridge used to reach the
// document-database service (Session/Database/View/Document/Item) with
// retry-on-transient and session-reopen semantics. The bridge interfaces
// below describe the upstream's shape; a concrete implementation is out of
// scope here (spec §1) and is supplied by the deployment environment.
package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	eve "notesync.evalgo.org/common"
)

// ErrTransient wraps an upstream error recognized as transient so callers
// can distinguish "retry budget exhausted, still transient" from a
// non-retryable failure using errors.As.
type ErrTransient struct{ Cause error }

func (e *ErrTransient) Error() string { return "transient upstream error: " + e.Cause.Error() }
func (e *ErrTransient) Unwrap() error { return e.Cause }

// transientSubstrings is the exact set of substrings that mark an upstream
// error message as transient, per the object bridge's observed failure
// modes (network blips, session death, view collection invalidation).
var transientSubstrings = []string{
	"Network",
	"server is not responding",
	"Timed out",
	"Argument has been deleted",
	"Object variable not set",
	"unable to find path to server",
	"no network connection",
	"port error",
	"NotesViewEntryCollection",
}

// IsTransient reports whether err's message matches one of the fixed
// transient substrings.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Session, Database, View, Entry, Document and Item describe the host
// object bridge. Out of scope per spec §1; the deployment environment
// supplies a concrete implementation (e.g. a COM bridge over Lotus
// Notes/Domino, or a test fake).
type Session interface {
	OpenDatabase(ctx context.Context, server, filePath string) (Database, error)
}

type Database interface {
	GetView(ctx context.Context, name string) (View, error)
	Views(ctx context.Context) ([]string, error)
	GetDocumentByUNID(ctx context.Context, unid string) (Document, error)
	Title() string
	ReplicaID() string
}

type View interface {
	Name() string
	Entries(ctx context.Context) (EntryIterator, error)
}

type EntryIterator interface {
	Next(ctx context.Context) (Entry, bool, error)
}

type Entry interface {
	IsDocument() bool
	UNID() string
	ColumnValues() []any
	Document(ctx context.Context) (Document, error)
}

// ItemType mirrors the bridge's explicit item-type constants, used to
// detect rich-text items without the EmbeddedObjects/AppendText heuristic
// (spec §9 design note).
type ItemType int

const (
	ItemTypeUnknown  ItemType = 0
	ItemTypeRichText ItemType = 1
)

const (
	EmbedTypeImage      = 1452
	EmbedTypeOLE        = 1453
	EmbedTypeAttachment = 1454
)

type Document interface {
	UNID() string
	NoteID() string
	Items(ctx context.Context) ([]Item, error)
	Item(ctx context.Context, name string) (Item, bool, error)
	EmbeddedObjects(ctx context.Context) ([]EmbeddedObject, error)
	FileItems(ctx context.Context) ([]FileItem, error)
	MIMEAttachments(ctx context.Context) ([]FileItem, error)
}

type Item struct {
	Name     string
	Type     ItemType
	Values   []any
	IsRich   bool
	HasAppnd bool
}

type EmbeddedObject struct {
	Type     int
	Name     string
	Source   string // local filesystem path once extracted
	SizeHint int64
}

type FileItem struct {
	Filename string
	Path     string // local filesystem path
	Size     int64
	MimeType string
}

// ReopenContext is the capability object passed to retryWithReopen: it
// exposes closures that rebuild the session -> database -> view chain
// rather than relying on ambient global session state (spec §9).
type ReopenContext struct {
	OpenDB   func(ctx context.Context) (Database, error)
	GetView  func(ctx context.Context, db Database, name string) (View, error)
	db       Database
	view     View
	viewName string
}

// NewReopenContext builds a ReopenContext bound to a specific view name.
func NewReopenContext(openDB func(ctx context.Context) (Database, error), getView func(ctx context.Context, db Database, name string) (View, error), viewName string) *ReopenContext {
	return &ReopenContext{OpenDB: openDB, GetView: getView, viewName: viewName}
}

// Database returns the last-opened database handle, opening one if needed.
func (rc *ReopenContext) Database(ctx context.Context) (Database, error) {
	if rc.db != nil {
		return rc.db, nil
	}
	return rc.ReopenDB(ctx)
}

// ReopenDB rebuilds the database handle unconditionally, following the
// original extraction tool's server -> UI -> local-replica fallback chain
// (spec_full §12.4); OpenDB is expected to implement that chain.
func (rc *ReopenContext) ReopenDB(ctx context.Context) (Database, error) {
	db, err := rc.OpenDB(ctx)
	if err != nil {
		return nil, err
	}
	rc.db = db
	rc.view = nil
	return db, nil
}

// View returns the last-opened view handle for rc's bound view name,
// reopening the database first if necessary.
func (rc *ReopenContext) View(ctx context.Context) (View, error) {
	if rc.view != nil {
		return rc.view, nil
	}
	return rc.ReopenView(ctx)
}

// ReopenView rebuilds the view handle by name from a (possibly fresh)
// database handle.
func (rc *ReopenContext) ReopenView(ctx context.Context) (View, error) {
	db, err := rc.Database(ctx)
	if err != nil {
		return nil, err
	}
	view, err := rc.GetView(ctx, db, rc.viewName)
	if err != nil {
		return nil, err
	}
	rc.view = view
	return view, nil
}

// newBackoff returns the 6-try, 1.5s-doubling envelope required by spec
// §4.2 for both retry primitives.
func newBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1500 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx)
}

// Retry runs fn up to 6 times (1 initial + 5 retries), backing off 1.5s and
// doubling on each attempt, but only for errors IsTransient classifies as
// transient. A non-transient error returns immediately.
func Retry(ctx context.Context, fn func() error) error {
	var attempt int
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		eve.Logger.WithField("attempt", attempt).WithError(err).Warn("bridge: transient error, retrying")
		return &ErrTransient{Cause: err}
	}
	if err := backoff.Retry(op, newBackoff(ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}

// RetryWithReopen runs fn like Retry, but also asks rc to rebuild the
// database/view handle before each retry attempt after the first.
func RetryWithReopen(ctx context.Context, rc *ReopenContext, fn func(ctx context.Context) error) error {
	var attempt int
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := rc.ReopenDB(ctx); err != nil {
				eve.Logger.WithError(err).Warn("bridge: reopen_db failed during retry")
				return &ErrTransient{Cause: err}
			}
			if _, err := rc.ReopenView(ctx); err != nil {
				eve.Logger.WithError(err).Warn("bridge: reopen_view failed during retry")
				return &ErrTransient{Cause: err}
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		eve.Logger.WithField("attempt", attempt).WithError(err).Warn("bridge: transient error, reopening and retrying")
		return &ErrTransient{Cause: err}
	}
	if err := backoff.Retry(op, newBackoff(ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}
