package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		envelope *Envelope
	}{
		{
			name:     "empty payload",
			envelope: &Envelope{Revision: 1, Type: "fixtures.Project", Payload: []byte{}},
		},
		{
			name: "with attachments",
			envelope: &Envelope{
				Revision: 42,
				Type:     "fixtures.Gallery",
				Payload:  []byte(`{"ID":"x","DocType":"fixtures.Gallery"}`),
				Attachments: []AttachmentRef{
					{Name: "Images_1", Digest: "aa"},
					{Name: "Images_2", Digest: "bb"},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := MarshalEnvelope(tt.envelope)
			require.NotEmpty(t, data)

			decoded, err := UnmarshalEnvelope(data)
			require.NoError(t, err)
			assert.Equal(t, tt.envelope.Revision, decoded.Revision)
			assert.Equal(t, tt.envelope.Type, decoded.Type)
			assert.Equal(t, string(tt.envelope.Payload), string(decoded.Payload))
			assert.Equal(t, tt.envelope.Attachments, decoded.Attachments)
		})
	}
}

func TestEnvelope_Document(t *testing.T) {
	e := &Envelope{
		Revision:    3,
		Type:        "fixtures.Gallery",
		Attachments: []AttachmentRef{{Name: "Cover_1", Digest: "d"}},
	}

	doc := e.Document("k")
	assert.Equal(t, "k", doc.Key)
	assert.Equal(t, uint64(3), doc.Revision)
	assert.True(t, doc.HasAttachment("Cover_1"))
	assert.False(t, doc.HasAttachment("Cover_2"))

	digest, ok := e.Digest("Cover_1")
	assert.True(t, ok)
	assert.Equal(t, "d", digest)
}

func TestUnmarshalEnvelope_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty data", []byte{}},
		{"truncated", MarshalEnvelope(&Envelope{Revision: 1, Type: "t", Payload: []byte("abc")})[:3]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalEnvelope(tt.data)
			assert.ErrorIs(t, err, ErrSerializationFailed)
		})
	}
}

func TestMarshalUnmarshalAttachment(t *testing.T) {
	a := &Attachment{Name: "Photo_1", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G', 0x00}}

	decoded, err := UnmarshalAttachment("Photo_1", MarshalAttachment(a))
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestMarshalUnmarshalIndexRow(t *testing.T) {
	row := &IndexRow{
		DocKey:  "root&child",
		DocID:   "child",
		Keys:    []KeyValue{Key("root"), Null, Key("")},
		Preview: []byte(`{"ID":"child"}`),
	}

	decoded, err := UnmarshalIndexRow(MarshalIndexRow(row))
	require.NoError(t, err)
	assert.Equal(t, row.DocKey, decoded.DocKey)
	assert.Equal(t, row.DocID, decoded.DocID)
	assert.Equal(t, row.Keys, decoded.Keys)
	assert.Equal(t, string(row.Preview), string(decoded.Preview))
	assert.Nil(t, decoded.Keys[1].Any())
	assert.Equal(t, "", decoded.Keys[2].Any())
}
