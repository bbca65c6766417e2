package badger

import (
	"encoding/binary"
	"strings"
)

// Key prefixes for different data types
const (
	documentPrefix    = "doc:"
	attachmentPrefix  = "att:"
	indexPrefix       = "idx:"
	viewVersionPrefix = "ver:"
	keySeparator      = "\x00"
)

// makeDocumentKey generates the key of a document envelope.
func makeDocumentKey(key string) []byte {
	return []byte(documentPrefix + key)
}

// documentKeyFrom strips the envelope prefix from a raw key.
func documentKeyFrom(raw []byte) string {
	return strings.TrimPrefix(string(raw), documentPrefix)
}

// makeAttachmentKey generates the key of a named attachment.
// Format: prefix:docKey\x00name
func makeAttachmentKey(docKey, name string) []byte {
	return []byte(attachmentPrefix + docKey + keySeparator + name)
}

// makeIndexViewPrefix generates the prefix shared by every row of a view.
// Format: prefix:view\x00
func makeIndexViewPrefix(view string) []byte {
	return []byte(indexPrefix + view + keySeparator)
}

// makeIndexDocPrefix generates the prefix of the rows a document emitted
// into a view.
// Format: prefix:view\x00docKey\x00
func makeIndexDocPrefix(view, docKey string) []byte {
	return []byte(indexPrefix + view + keySeparator + docKey + keySeparator)
}

// makeIndexKey generates the key of one index row.
// Format: prefix:view\x00docKey\x00seq
func makeIndexKey(view, docKey string, seq int) []byte {
	prefix := makeIndexDocPrefix(view, docKey)
	buf := make([]byte, len(prefix)+4)
	offset := copy(buf, prefix)
	// Write in BigEndian order so rows of one document keep emit order
	binary.BigEndian.PutUint32(buf[offset:], uint32(seq))
	return buf
}

// makeViewVersionKey generates the key holding the version a view was
// indexed with.
func makeViewVersionKey(view string) []byte {
	return []byte(viewVersionPrefix + view)
}

// viewFromVersionKey strips the version prefix from a raw key.
func viewFromVersionKey(raw []byte) string {
	return strings.TrimPrefix(string(raw), viewVersionPrefix)
}
