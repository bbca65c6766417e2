package storage

import (
	"context"
	"io"
)

// Document is one unit of storage as read back from a DocumentStore.
type Document struct {
	// Key is a root entity ID or a composite root/child key.
	Key string
	// Type is the DocType the payload was written with.
	Type string
	// Revision increases by one on every write of the key.
	Revision uint64
	// Payload is the JSON body.
	Payload []byte
	// Attachments lists the names of the attachments of this revision.
	Attachments []string
}

// HasAttachment reports whether name belongs to this revision.
func (d *Document) HasAttachment(name string) bool {
	for _, a := range d.Attachments {
		if a == name {
			return true
		}
	}
	return false
}

// Attachment is a named binary blob stored alongside a document.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// DocumentWrite is the content of a Put.
type DocumentWrite struct {
	Type        string
	Payload     []byte
	Attachments []Attachment
}

// KeyValue is one canonical index key. Valid is false for null.
type KeyValue struct {
	Value string
	Valid bool
}

// Null is the null index key.
var Null = KeyValue{}

// Key returns a non-null index key.
func Key(v string) KeyValue {
	return KeyValue{Value: v, Valid: true}
}

// Any returns the key as a string or nil, for expression environments.
func (k KeyValue) Any() any {
	if !k.Valid {
		return nil
	}
	return k.Value
}

// IndexRow is one secondary-index entry emitted by a view map function.
type IndexRow struct {
	// DocKey is the key of the document that emitted the row.
	DocKey string
	// DocID is the entity ID part of DocKey.
	DocID string
	// Keys are the indexed values in view order.
	Keys []KeyValue
	// Preview is the JSON preview payload.
	Preview []byte
}

// MapFunc turns a document into zero or more index rows. Rows returned
// without DocKey/DocID get them filled in by the store.
type MapFunc func(doc *Document) ([]IndexRow, error)

// Txn is a document-store transaction.
type Txn interface {
	// Get returns the document stored at key, or ErrNotFound.
	Get(key string) (*Document, error)

	// Put writes a document and its attachments, replacing any previous
	// revision. Returns the new revision.
	Put(key string, doc DocumentWrite) (uint64, error)

	// Delete removes a document, its attachments and its index rows.
	// Deleting a missing key is not an error.
	Delete(key string) error

	// RangeDelete deletes every document whose key falls between start and
	// end. Returns the number of documents deleted.
	RangeDelete(start, end string, inclusiveEnd bool) (int, error)

	// Attachment returns a named attachment of the current revision of key,
	// or ErrNotFound.
	Attachment(key, name string) (*Attachment, error)

	// Query returns the rows of view matching a native filter expression.
	// An empty expression matches every row.
	Query(view, expression string) ([]IndexRow, error)

	// Keys lists document keys starting with prefix.
	Keys(prefix string) ([]string, error)
}

// DocumentStore is the schemaless document database the object graph is
// persisted into.
type DocumentStore interface {
	// Update runs fn in a read-write transaction. All writes made by fn
	// commit atomically iff fn returns nil.
	Update(ctx context.Context, fn func(tx Txn) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Txn) error) error

	// SetMapFunction registers the map function of a view. The index is
	// rebuilt when version differs from the one it was built with.
	SetMapFunction(ctx context.Context, view string, fn MapFunc, version string) error

	// Backup streams a full copy of the store to w.
	Backup(ctx context.Context, w io.Writer) error

	// Restore replaces the content of the store with a stream written by
	// Backup.
	Restore(ctx context.Context, r io.Reader) error

	// Compact reclaims space held by deleted and overwritten documents.
	Compact(ctx context.Context) error

	// DropAll deletes every document, attachment and index row.
	DropAll(ctx context.Context) error

	// Dir returns the directory holding the store, or "" when in memory.
	Dir() string

	// Close releases the store.
	Close() error
}
