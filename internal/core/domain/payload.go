package domain

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// BinaryPayload is the single envelope for binary document content crossing
// the queue boundary. One canonical encoding, validated at decode time —
// never sniffed.
type BinaryPayload struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

const BinaryEncodingBase64 = "base64"

func NewBinaryPayload(data []byte) *BinaryPayload {
	return &BinaryPayload{
		Encoding: BinaryEncodingBase64,
		Data:     base64.StdEncoding.EncodeToString(data),
	}
}

func (p *BinaryPayload) Decode() ([]byte, error) {
	if p == nil {
		return nil, errors.New("binary payload is nil")
	}
	if p.Encoding != BinaryEncodingBase64 {
		return nil, WrapError(ErrInvalidInput, "decode binary payload",
			fmt.Errorf("unsupported encoding %q", p.Encoding))
	}
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, WrapError(ErrInvalidInput, "decode binary payload", err)
	}
	if len(raw) == 0 {
		return nil, WrapError(ErrInvalidInput, "decode binary payload", errors.New("empty content"))
	}
	return raw, nil
}

// BinaryPayloadFromMap rebuilds an envelope that went through JSON
// map[string]any round-tripping on the queue.
func BinaryPayloadFromMap(v any) (*BinaryPayload, bool) {
	if typed, ok := v.(*BinaryPayload); ok {
		return typed, typed != nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	encoding, _ := m["encoding"].(string)
	data, _ := m["data"].(string)
	if encoding == "" || data == "" {
		return nil, false
	}
	return &BinaryPayload{Encoding: encoding, Data: data}, true
}
