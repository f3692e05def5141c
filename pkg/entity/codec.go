package entity

import (
	"encoding/json"
	"fmt"
)

// ErrInvalidVector is returned when a vector is nil, empty, or contains a
// NaN/Inf component. Grounded on the teacher's utils.go validateVector.
var ErrInvalidVector = fmt.Errorf("invalid vector data")

// ValidateVector checks that vector is non-empty and free of NaN/Inf, and
// that it matches dim when dim > 0 (0 means auto-detect on first insert,
// matching the teacher's VectorDim=0 convention).
func ValidateVector(vector []float32, dim int) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	if dim > 0 && len(vector) != dim {
		return fmt.Errorf("%w: expected dimension %d, got %d", ErrInvalidVector, dim, len(vector))
	}
	for _, v := range vector {
		if v != v || v > 3.4e38 || v < -3.4e38 {
			return ErrInvalidVector
		}
	}
	return nil
}

// nounBlob and verbBlob mirror the bit-exact persisted layout from
// spec.md §6: canonical JSON with connections keyed by the string form of
// the layer number.
type nounBlob struct {
	ID          string              `json:"id"`
	Vector      []float32           `json:"vector"`
	Level       uint8               `json:"level"`
	Connections map[string][]string `json:"connections"`
}

type verbBlob struct {
	ID          string              `json:"id"`
	Vector      []float32           `json:"vector"`
	Connections map[string][]string `json:"connections"`
}

// EncodeNoun renders n as the canonical-JSON noun blob described in
// spec.md §6 ("nouns/<uuid>").
func EncodeNoun(n Noun) ([]byte, error) {
	blob := nounBlob{ID: n.ID, Vector: n.Vector, Level: n.Level, Connections: levelsToStrings(n.Connections)}
	return json.Marshal(blob)
}

// DecodeNoun parses a canonical-JSON noun blob back into a Noun.
func DecodeNoun(data []byte) (Noun, error) {
	var blob nounBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return Noun{}, fmt.Errorf("decode noun: %w", err)
	}
	conns, err := stringsToLevels(blob.Connections)
	if err != nil {
		return Noun{}, fmt.Errorf("decode noun %s: %w", blob.ID, err)
	}
	return Noun{ID: blob.ID, Vector: blob.Vector, Level: blob.Level, Connections: conns}, nil
}

// EncodeVerb renders v as the canonical-JSON verb blob ("verbs/<uuid>"),
// which is identical to a noun blob minus the level field.
func EncodeVerb(v Verb) ([]byte, error) {
	blob := verbBlob{ID: v.ID, Vector: v.Vector, Connections: levelsToStrings(v.Connections)}
	return json.Marshal(blob)
}

// DecodeVerb parses a canonical-JSON verb blob back into a Verb.
func DecodeVerb(data []byte) (Verb, error) {
	var blob verbBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return Verb{}, fmt.Errorf("decode verb: %w", err)
	}
	conns, err := stringsToLevels(blob.Connections)
	if err != nil {
		return Verb{}, fmt.Errorf("decode verb %s: %w", blob.ID, err)
	}
	return Verb{ID: blob.ID, Vector: blob.Vector, Connections: conns}, nil
}

func levelsToStrings(conns map[uint8][]string) map[string][]string {
	out := make(map[string][]string, len(conns))
	for level, ids := range conns {
		out[fmt.Sprintf("%d", level)] = ids
	}
	return out
}

func stringsToLevels(conns map[string][]string) (map[uint8][]string, error) {
	out := make(map[uint8][]string, len(conns))
	for key, ids := range conns {
		var level uint8
		if _, err := fmt.Sscanf(key, "%d", &level); err != nil {
			return nil, fmt.Errorf("bad connection level key %q: %w", key, err)
		}
		out[level] = ids
	}
	return out, nil
}

// EncodeVerbMetadata renders a verb's relational record as canonical JSON
// ("verbMetadata/<uuid>").
func EncodeVerbMetadata(m VerbMetadata) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeVerbMetadata parses a canonical-JSON verb metadata record.
func DecodeVerbMetadata(data []byte) (VerbMetadata, error) {
	var m VerbMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return VerbMetadata{}, fmt.Errorf("decode verb metadata: %w", err)
	}
	return m, nil
}

// EncodeMetadata renders an arbitrary metadata record as canonical JSON.
func EncodeMetadata(m MetadataRecord) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMetadata parses a canonical-JSON metadata record.
func DecodeMetadata(data []byte) (MetadataRecord, error) {
	var m MetadataRecord
	if err := json.Unmarshal(data, &m); err != nil {
		return MetadataRecord{}, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
