// Package codec holds the byte-level codecs used on the wire and for local
// documents. Codecs are looked up by content type so a transport can pick the
// decoder that matches what the sender declared.
package codec

import (
	"mime"
	"strings"
)

// Codec defines a simple interface for marshaling typed messages.
// Implementations must be deterministic and safe for cross-node exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry holding exactly the given codecs. A
// transport decodes envelopes only with codecs that keep big integers and
// byte strings exact, so JSON does not belong in an envelope registry.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{byType: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil. Media type parameters such as
// "; charset=utf-8" are ignored.
func (r *Registry) Get(contentType string) Codec {
	if c, ok := r.byType[contentType]; ok {
		return c
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil
	}
	return r.byType[strings.ToLower(mt)]
}
