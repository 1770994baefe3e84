package oplog

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/google/uuid"
)

// DefaultMaxPayloadSize is the largest payload stored inline in an entry.
const DefaultMaxPayloadSize = 64 * 1024

// ExternalPayload references bytes stored in the blob sink.
type ExternalPayload struct {
	PayloadID uuid.UUID `json:"payload_id"`
	MD5       [16]byte  `json:"md5"`
}

// Payload is either inline bytes or a reference to an uploaded blob.
type Payload struct {
	Inline   []byte           `json:"inline,omitempty"`
	External *ExternalPayload `json:"external,omitempty"`
}

// InlinePayload wraps b without uploading it.
func InlinePayload(b []byte) Payload { return Payload{Inline: b} }

func (p Payload) IsExternal() bool { return p.External != nil }

// Size is the inline length; external payloads report zero.
func (p Payload) Size() int { return len(p.Inline) }

// NewExternalPayload hashes data and assigns a fresh payload id.
func NewExternalPayload(data []byte) ExternalPayload {
	return ExternalPayload{PayloadID: uuid.New(), MD5: md5.Sum(data)}
}

// PayloadKey is the blob key of an external payload:
// payloads/{project}/{component}/{worker}/{md5hex}/{payloadID}.
func PayloadKey(owned OwnedWorkerID, ext ExternalPayload) string {
	return "payloads/" + owned.ProjectID.String() +
		"/" + owned.WorkerID.ComponentID.String() +
		"/" + owned.WorkerID.Name +
		"/" + hex.EncodeToString(ext.MD5[:]) +
		"/" + ext.PayloadID.String()
}

// Verify checks downloaded bytes against the recorded hash.
func (e ExternalPayload) Verify(data []byte) bool { return md5.Sum(data) == e.MD5 }
