// Package codec centralizes serialization of persisted documents (geo cells,
// record metadata, state projections and events).
//
// All persisted units are small JSON documents; the codec boundary exists so
// the storage layers never hard-code an encoder and so tests can swap in the
// portable standard-library implementation.
package codec

// Codec encodes/decodes persisted documents.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Default is the codec used when none is configured.
var Default Codec = GoJSON{}
