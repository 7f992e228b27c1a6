package vectorstore

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// Vector is an embedding stored in a pgvector column. It marshals to
// and from the pgvector text format, e.g. "[0.1,0.2,0.3]".
type Vector []float32

func (v Vector) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Value implements driver.Valuer so a Vector can be bound directly as a
// query parameter.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return v.String(), nil
}

// Scan implements sql.Scanner for reading the embedding column.
func (v *Vector) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}

	var raw string
	switch s := src.(type) {
	case []byte:
		raw = string(s)
	case string:
		raw = s
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}

	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return fmt.Errorf("malformed vector literal %q", raw)
	}
	raw = raw[1 : len(raw)-1]
	if raw == "" {
		*v = Vector{}
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("malformed vector element %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}
