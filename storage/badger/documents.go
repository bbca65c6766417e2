package badger

import (
	"encoding/hex"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-crypt/x/blake2b"
	"github.com/poiesic/graphstore/storage"
)

// txn implements storage.Txn on top of a BadgerDB transaction.
type txn struct {
	backend *Backend
	tx      *badger.Txn
	write   bool

	// checked is set once the versions of unregistered views were dropped.
	checked bool
}

var _ storage.Txn = (*txn)(nil)

func (b *Backend) newTxn(tx *badger.Txn, write bool) *txn {
	return &txn{backend: b, tx: tx, write: write}
}

// Get returns the document stored at key.
func (t *txn) Get(key string) (*storage.Document, error) {
	env, err := t.readEnvelope(key)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, storage.ErrNotFound
	}
	return env.Document(key), nil
}

// Put writes a document, its attachments and its index rows.
func (t *txn) Put(key string, doc storage.DocumentWrite) (uint64, error) {
	if err := t.invalidateUnregistered(); err != nil {
		return 0, err
	}
	old, err := t.readEnvelope(key)
	if err != nil {
		return 0, err
	}

	env := &storage.Envelope{
		Revision: 1,
		Type:     doc.Type,
		Payload:  doc.Payload,
	}
	if old != nil {
		env.Revision = old.Revision + 1
	}

	// Store attachments, skipping unchanged content
	keep := make(map[string]bool, len(doc.Attachments))
	for i := range doc.Attachments {
		a := &doc.Attachments[i]
		digest := attachmentDigest(a.Data)
		env.Attachments = append(env.Attachments, storage.AttachmentRef{Name: a.Name, Digest: digest})
		keep[a.Name] = true

		if old != nil {
			if prev, ok := old.Digest(a.Name); ok && prev == digest {
				continue
			}
		}
		if err := t.tx.Set(makeAttachmentKey(key, a.Name), storage.MarshalAttachment(a)); err != nil {
			return 0, err
		}
	}

	// Drop attachments of the previous revision that are gone
	if old != nil {
		for _, a := range old.Attachments {
			if keep[a.Name] {
				continue
			}
			if err := t.tx.Delete(makeAttachmentKey(key, a.Name)); err != nil {
				return 0, err
			}
		}
	}

	// Store primary document
	if err := t.tx.Set(makeDocumentKey(key), storage.MarshalEnvelope(env)); err != nil {
		return 0, err
	}

	// Update view indexes
	if err := t.reindexDocument(env.Document(key)); err != nil {
		return 0, err
	}

	return env.Revision, nil
}

// Delete removes a document with its attachments and index rows.
func (t *txn) Delete(key string) error {
	env, err := t.readEnvelope(key)
	if err != nil {
		return err
	}
	if env == nil {
		return nil
	}
	if err := t.invalidateUnregistered(); err != nil {
		return err
	}

	for _, a := range env.Attachments {
		if err := t.tx.Delete(makeAttachmentKey(key, a.Name)); err != nil {
			return err
		}
	}

	if err := t.deleteIndexRows(key); err != nil {
		return err
	}

	return t.tx.Delete(makeDocumentKey(key))
}

// RangeDelete deletes every document with start <= key <= end (or < end).
func (t *txn) RangeDelete(start, end string, inclusiveEnd bool) (int, error) {
	var keys []string

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(documentPrefix)
	iter := t.tx.NewIterator(opts)
	for iter.Seek(makeDocumentKey(start)); iter.ValidForPrefix(opts.Prefix); iter.Next() {
		key := documentKeyFrom(iter.Item().Key())
		if key > end || (!inclusiveEnd && key == end) {
			break
		}
		keys = append(keys, key)
	}
	iter.Close()

	for _, key := range keys {
		if err := t.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// Attachment returns a named attachment of the document at key.
func (t *txn) Attachment(key, name string) (*storage.Attachment, error) {
	item, err := t.tx.Get(makeAttachmentKey(key, name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var a *storage.Attachment
	err = item.Value(func(val []byte) error {
		var err error
		a, err = storage.UnmarshalAttachment(name, val)
		return err
	})
	return a, err
}

// Keys lists document keys starting with prefix, in key order.
func (t *txn) Keys(prefix string) ([]string, error) {
	var keys []string

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = makeDocumentKey(prefix)
	iter := t.tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		keys = append(keys, documentKeyFrom(iter.Item().Key()))
	}
	return keys, nil
}

// readEnvelope returns nil, nil when the document does not exist.
func (t *txn) readEnvelope(key string) (*storage.Envelope, error) {
	item, err := t.tx.Get(makeDocumentKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var env *storage.Envelope
	err = item.Value(func(val []byte) error {
		var err error
		env, err = storage.UnmarshalEnvelope(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// attachmentDigest returns the hex BLAKE2b-256 digest of data.
func attachmentDigest(data []byte) string {
	h, _ := blake2b.New(32, nil)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
