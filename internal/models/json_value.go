package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Value stores the metadata as a JSON document so conditional map updates can
// write it directly.
func (m TranscriptMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *TranscriptMetadata) Scan(value interface{}) error {
	if m == nil {
		return fmt.Errorf("models.TranscriptMetadata: Scan on nil pointer")
	}
	var raw string
	switch v := value.(type) {
	case nil:
		*m = TranscriptMetadata{}
		return nil
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return fmt.Errorf("models.TranscriptMetadata: unsupported Scan type %T", value)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		*m = TranscriptMetadata{}
		return nil
	}
	return json.Unmarshal([]byte(raw), m)
}
