// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package storage

import (
	"fmt"
	"slices"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
)

// Envelope is the persisted form of a document revision.
type Envelope struct {
	Revision    uint64
	Type        string
	Payload     []byte
	Attachments []AttachmentRef
}

// AttachmentRef names an attachment of a revision and the digest of its
// content.
type AttachmentRef struct {
	Name   string
	Digest string
}

// Document returns the envelope as a Document stored at key.
func (e *Envelope) Document(key string) *Document {
	names := make([]string, len(e.Attachments))
	for i, a := range e.Attachments {
		names[i] = a.Name
	}
	return &Document{
		Key:         key,
		Type:        e.Type,
		Revision:    e.Revision,
		Payload:     e.Payload,
		Attachments: names,
	}
}

// Digest returns the stored digest of the named attachment.
func (e *Envelope) Digest(name string) (string, bool) {
	for _, a := range e.Attachments {
		if a.Name == name {
			return a.Digest, true
		}
	}
	return "", false
}

// MarshalEnvelope serializes an Envelope to bytes.
func MarshalEnvelope(e *Envelope) []byte {
	var buf []byte
	buf = appendUint64(buf, e.Revision)
	buf = appendString(buf, e.Type)
	buf = appendString(buf, string(e.Payload))
	buf = appendInt(buf, len(e.Attachments))
	for _, a := range e.Attachments {
		buf = appendString(buf, a.Name)
		buf = appendString(buf, a.Digest)
	}
	return buf
}

// UnmarshalEnvelope deserializes an Envelope from bytes.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	d := &decoder{data: data}
	e := &Envelope{
		Revision: d.uint64(),
		Type:     d.string(),
		Payload:  []byte(d.string()),
	}
	count := d.count()
	for i := 0; i < count; i++ {
		e.Attachments = append(e.Attachments, AttachmentRef{
			Name:   d.string(),
			Digest: d.string(),
		})
	}
	if d.err != nil {
		return nil, d.err
	}
	return e, nil
}

// MarshalAttachment serializes the content of an attachment. The name is
// part of the key and is not stored.
func MarshalAttachment(a *Attachment) []byte {
	var buf []byte
	buf = appendString(buf, a.ContentType)
	buf = appendString(buf, string(a.Data))
	return buf
}

// UnmarshalAttachment deserializes an attachment stored under name.
func UnmarshalAttachment(name string, data []byte) (*Attachment, error) {
	d := &decoder{data: data}
	a := &Attachment{
		Name:        name,
		ContentType: d.string(),
		Data:        []byte(d.string()),
	}
	if d.err != nil {
		return nil, d.err
	}
	return a, nil
}

// MarshalIndexRow serializes an IndexRow to bytes.
func MarshalIndexRow(row *IndexRow) []byte {
	var buf []byte
	buf = appendString(buf, row.DocKey)
	buf = appendString(buf, row.DocID)
	buf = appendInt(buf, len(row.Keys))
	for _, k := range row.Keys {
		buf = appendBool(buf, k.Valid)
		buf = appendString(buf, k.Value)
	}
	buf = appendString(buf, string(row.Preview))
	return buf
}

// UnmarshalIndexRow deserializes an IndexRow from bytes.
func UnmarshalIndexRow(data []byte) (*IndexRow, error) {
	d := &decoder{data: data}
	row := &IndexRow{
		DocKey: d.string(),
		DocID:  d.string(),
	}
	count := d.count()
	if count > 0 {
		row.Keys = make([]KeyValue, 0, count)
	}
	for i := 0; i < count; i++ {
		valid := d.bool()
		row.Keys = append(row.Keys, KeyValue{Valid: valid, Value: d.string()})
	}
	row.Preview = []byte(d.string())
	if d.err != nil {
		return nil, d.err
	}
	return row, nil
}

func grow(buf []byte, size int) ([]byte, []byte) {
	start := len(buf)
	buf = slices.Grow(buf, size)[:start+size]
	return buf, buf[start:]
}

func appendString(buf []byte, s string) []byte {
	buf, dst := grow(buf, ord.String.Size(s))
	ord.String.Marshal(s, dst)
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	buf, dst := grow(buf, varint.Uint64.Size(v))
	varint.Uint64.Marshal(v, dst)
	return buf
}

func appendInt(buf []byte, v int) []byte {
	buf, dst := grow(buf, varint.Int.Size(v))
	varint.Int.Marshal(v, dst)
	return buf
}

func appendBool(buf []byte, v bool) []byte {
	buf, dst := grow(buf, ord.Bool.Size(v))
	ord.Bool.Marshal(v, dst)
	return buf
}

// decoder reads MUS-encoded fields in order and keeps the first error.
type decoder struct {
	data []byte
	err  error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(d.data)
	if err != nil {
		d.fail(err)
		return ""
	}
	d.data = d.data[n:]
	return v
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(d.data)
	if err != nil {
		d.fail(err)
		return 0
	}
	d.data = d.data[n:]
	return v
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	v, n, err := ord.Bool.Unmarshal(d.data)
	if err != nil {
		d.fail(err)
		return false
	}
	d.data = d.data[n:]
	return v
}

// count reads a collection length and rejects values the remaining input
// cannot hold.
func (d *decoder) count() int {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.Int.Unmarshal(d.data)
	if err != nil {
		d.fail(err)
		return 0
	}
	d.data = d.data[n:]
	if v < 0 || v > len(d.data) {
		d.fail(ErrTruncatedData)
		return 0
	}
	return v
}
