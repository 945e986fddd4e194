// Package manifest defines the Manifest interface shared by all supported
// image manifest schemas and keeps the registry of schema codecs keyed by
// media type. Concrete schemas live in the subpackages and register
// themselves on import.
package manifest

import (
	"fmt"
	"mime"
	"sync"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest represents a registry object specifying a set of
// references and an optional target
type Manifest interface {
	// References returns a list of objects which make up this manifest.
	// A reference is anything which can be represented by a
	// v1.Descriptor. These can consist of layers, resources or other
	// manifests.
	//
	// While no particular order is required, implementations should return
	// them from highest to lowest priority. For example, one might want to
	// return the base layer before the top layer.
	References() []v1.Descriptor

	// Payload provides the serialized format of the manifest, in addition to
	// the media type.
	Payload() (mediaType string, payload []byte, err error)
}

// Versioned provides a struct with the manifest schemaVersion and mediaType.
// Incoming content with unknown schema version can be decoded against this
// struct to check the version.
type Versioned struct {
	// SchemaVersion is the image manifest schema that this image follows
	SchemaVersion int `json:"schemaVersion"`

	// MediaType is the media type of this schema.
	MediaType string `json:"mediaType,omitempty"`
}

// UnmarshalFunc implements manifest unmarshalling a given MediaType
type UnmarshalFunc func([]byte) (Manifest, v1.Descriptor, error)

var (
	mappingsMu sync.RWMutex
	mappings   = make(map[string]UnmarshalFunc)
)

// Unmarshal looks up manifest unmarshal functions based on
// MediaType
func Unmarshal(ctHeader string, p []byte) (Manifest, v1.Descriptor, error) {
	// Need to look up by the actual media type, not the raw contents of
	// the header. Strip semicolons and anything following them.
	var mediaType string
	if ctHeader != "" {
		var err error
		mediaType, _, err = mime.ParseMediaType(ctHeader)
		if err != nil {
			return nil, v1.Descriptor{}, err
		}
	}

	mappingsMu.RLock()
	unmarshalFunc, ok := mappings[mediaType]
	mappingsMu.RUnlock()
	if !ok {
		unmarshalFunc, ok = mappings[""]
		if !ok {
			return nil, v1.Descriptor{}, fmt.Errorf("unsupported manifest media type and no default available: %s", mediaType)
		}
	}

	return unmarshalFunc(p)
}

// RegisterSchema registers an UnmarshalFunc for a given schema type. This
// should be called from specific
func RegisterSchema(mediaType string, u UnmarshalFunc) error {
	mappingsMu.Lock()
	defer mappingsMu.Unlock()
	if _, ok := mappings[mediaType]; ok {
		return fmt.Errorf("manifest media type registration would overwrite existing: %s", mediaType)
	}
	mappings[mediaType] = u
	return nil
}
