package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// WireTime accepts the timestamp shapes the backend emits: RFC 3339
// strings, numeric strings and bare numbers in unix milliseconds.
type WireTime struct {
	t time.Time
}

// NewWireTime wraps t.
func NewWireTime(t time.Time) WireTime { return WireTime{t: t} }

// Time returns the parsed instant, zero when absent.
func (w WireTime) Time() time.Time { return w.t }

func (w *WireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		w.t = time.Time{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			w.t = time.Time{}
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			w.t = t
			return nil
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("unrecognized timestamp %q", s)
		}
		w.t = time.UnixMilli(ms)
		return nil
	}

	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %s", b)
	}
	w.t = time.UnixMilli(int64(ms))
	return nil
}

func (w WireTime) MarshalJSON() ([]byte, error) {
	if w.t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(w.t.UTC().Format(time.RFC3339Nano))
}
