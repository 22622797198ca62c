// Package meta carries per-request runtime metadata across every pipeline
// stage. The metadata rides on a conventionally named side-field of the raw
// JSON request envelope so no stage needs a reference to any other stage,
// and it is stripped before the payload is serialized to the upstream.
package meta

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// envelopeKey is the side-field holding the metadata on a request payload.
const envelopeKey = "_rcc_meta"

// Metadata is the envelope threaded through the pipeline for one request.
type Metadata struct {
	RequestID    string `json:"requestId"`
	ProviderType string `json:"providerType,omitempty"`
	ProviderID   string `json:"providerId,omitempty"`
	ProviderKey  string `json:"providerKey,omitempty"`
	RouteName    string `json:"routeName,omitempty"`
	Model        string `json:"model,omitempty"`
	Streaming    bool   `json:"streaming"`

	SessionID       string            `json:"sessionId,omitempty"`
	ConversationID  string            `json:"conversationId,omitempty"`
	ClientRequestID string            `json:"clientRequestId,omitempty"`
	ClientHeaders   map[string]string `json:"clientHeaders,omitempty"`
}

// Attach sets the metadata side-field on the payload. The payload is not
// duplicated beyond the single sjson mutation.
func Attach(payload []byte, md *Metadata) []byte {
	if md == nil {
		return payload
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return payload
	}
	out, err := sjson.SetRawBytes(payload, envelopeKey, raw)
	if err != nil {
		return payload
	}
	return out
}

// Extract reads the metadata side-field, returning nil when absent.
func Extract(payload []byte) *Metadata {
	field := gjson.GetBytes(payload, envelopeKey)
	if !field.Exists() {
		return nil
	}
	var md Metadata
	if err := json.Unmarshal([]byte(field.Raw), &md); err != nil {
		return nil
	}
	return &md
}

// Strip removes the metadata side-field before the payload leaves the
// process.
func Strip(payload []byte) []byte {
	if !gjson.GetBytes(payload, envelopeKey).Exists() {
		return payload
	}
	out, err := sjson.DeleteBytes(payload, envelopeKey)
	if err != nil {
		return payload
	}
	return out
}
