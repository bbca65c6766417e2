package serializer

import (
	"fmt"
	"strings"

	"github.com/poiesic/graphstore/core"
)

// KeySeparator joins root and child IDs in composite document keys.
const KeySeparator = "&"

const (
	minID = "00000000-0000-0000-0000-000000000000"
	maxID = "ffffffff-ffff-ffff-ffff-ffffffffffff"
)

// DocumentKey returns the key a storable with id is written under when
// rootID is the serialization root.
func DocumentKey(rootID, id core.ID) string {
	if rootID == id {
		return id.String()
	}
	return rootID.String() + KeySeparator + id.String()
}

// ParseKey splits a document key into root and entity IDs. For root
// documents both are the same.
func ParseKey(key string) (root core.ID, id core.ID, err error) {
	rootPart, idPart, composite := strings.Cut(key, KeySeparator)
	root, err = core.ParseID(rootPart)
	if err != nil {
		return core.NilID, core.NilID, fmt.Errorf("%w: %q: %w", ErrInvalidKey, key, err)
	}
	if !composite {
		return root, root, nil
	}
	id, err = core.ParseID(idPart)
	if err != nil {
		return core.NilID, core.NilID, fmt.Errorf("%w: %q: %w", ErrInvalidKey, key, err)
	}
	return root, id, nil
}

// ChildRange returns the inclusive key range covering every document stored
// under rootID.
func ChildRange(rootID core.ID) (start, end string) {
	prefix := rootID.String() + KeySeparator
	return prefix + minID, prefix + maxID
}
