// Package codec provides the content codecs that turn typed values into stream
// payloads. The RPC core never looks inside a payload; it only carries the
// codec's name in the :content-type header so the receiver picks the same one.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeCBOR     = "application/cbor"
	ContentTypeProtobuf = "application/x-protobuf"
)

var ErrUnknownContentType = errors.New("codec: unknown content type")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	ContentType() string
}

var (
	mu     sync.RWMutex
	codecs = map[string]Codec{
		ContentTypeJSON:     &JSONCodec{},
		ContentTypeCBOR:     &CBORCodec{},
		ContentTypeProtobuf: &ProtoCodec{},
	}
)

// Register makes c available to GetCodec under its content type, replacing any
// codec already registered for it.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	codecs[c.ContentType()] = c
}

// GetCodec returns the codec for contentType. An empty content type means JSON.
func GetCodec(contentType string) (Codec, error) {
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	mu.RLock()
	defer mu.RUnlock()
	c, ok := codecs[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, contentType)
	}
	return c, nil
}

// ContentTypes lists the registered content types in sorted order.
func ContentTypes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(codecs))
	for ct := range codecs {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}
