package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes with core deterministic CBOR (RFC 8949 §4.2), so equal
// values always produce equal payloads.
// Pros: compact binary, schema-less like JSON, struct tags shared with JSON via `cbor` or `json` names.
type CBORCodec struct{}

var cborEnc, _ = cbor.CoreDetEncOptions().EncMode()

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return cbor.Unmarshal(data, v)
}

func (c *CBORCodec) ContentType() string {
	return ContentTypeCBOR
}
