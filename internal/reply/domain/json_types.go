package domain

import (
	"database/sql/driver"
	"encoding/json"
)

// StringArray stores a string slice as a JSON text column.
type StringArray []string

// Value implements driver.Valuer
func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

// Scan implements sql.Scanner
func (a *StringArray) Scan(value interface{}) error {
	return scanJSON(value, a, func() { *a = StringArray{} })
}

// Metadata stores free-form string attributes as a JSON text column.
type Metadata map[string]string

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(value interface{}) error {
	return scanJSON(value, m, func() { *m = Metadata{} })
}

func scanJSON(value interface{}, dst interface{}, empty func()) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		empty()
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return nil
	}
	if len(raw) == 0 {
		empty()
		return nil
	}
	return json.Unmarshal(raw, dst)
}
