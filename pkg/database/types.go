package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
)

// StringArray stores a string slice as a JSON text column so the same
// model works on every supported driver. Postgres array literals written
// by older clients ({a,b}) are still readable.
type StringArray []string

// Scan implements the sql.Scanner interface.
func (a *StringArray) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("StringArray: unsupported scan type")
	}

	s := strings.TrimSpace(string(data))
	switch {
	case s == "":
		*a = StringArray{}
		return nil
	case strings.HasPrefix(s, "["):
		return json.Unmarshal([]byte(s), (*[]string)(a))
	case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
		*a = parseArrayLiteral(s[1 : len(s)-1])
		return nil
	default:
		*a = StringArray{s}
		return nil
	}
}

func parseArrayLiteral(s string) StringArray {
	out := StringArray{}
	if s == "" {
		return out
	}
	var cur strings.Builder
	quoted, escaped := false, false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(out, cur.String())
}

// Value implements the driver.Valuer interface.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	data, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType returns the GORM data type hint.
func (StringArray) GormDataType() string {
	return "text"
}
