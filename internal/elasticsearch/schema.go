package elasticsearch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Schema is the index definition file: settings and mappings objects passed
// verbatim to the create-index API. Other top-level keys are ignored.
type Schema struct {
	Settings json.RawMessage `json:"settings"`
	Mappings json.RawMessage `json:"mappings"`
}

// LoadSchema reads and validates a schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(data)
}

// ParseSchema decodes a schema document. Both settings and mappings are required.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if !isObject(s.Settings) {
		return nil, errors.New("schema has no settings object")
	}
	if !isObject(s.Mappings) {
		return nil, errors.New("schema has no mappings object")
	}
	return &s, nil
}

// VectorDims returns the dims declared for a dense_vector field, if any.
func (s *Schema) VectorDims(field string) (int, bool) {
	var m struct {
		Properties map[string]struct {
			Type string `json:"type"`
			Dims int    `json:"dims"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(s.Mappings, &m); err != nil {
		return 0, false
	}
	prop, ok := m.Properties[field]
	if !ok || prop.Type != "dense_vector" || prop.Dims <= 0 {
		return 0, false
	}
	return prop.Dims, true
}

func isObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return len(raw) > 0 && json.Unmarshal(raw, &obj) == nil && obj != nil
}
