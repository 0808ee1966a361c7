package api

import (
	"errors"
	"testing"
)

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"data envelope", `{"data":[{"id":"1"}]}`, `[{"id":"1"}]`, false},
		{"resultData envelope", `{"resultData":{"id":"1"}}`, `{"id":"1"}`, false},
		{"data preferred", `{"data":[1],"resultData":[2]}`, `[1]`, false},
		{"null data falls to resultData", `{"data":null,"resultData":[2]}`, `[2]`, false},
		{"bare array", ` [1,2] `, `[1,2]`, false},
		{"bare object", `{"id":"1","title":"x"}`, `{"id":"1","title":"x"}`, false},
		{"empty", ``, "", true},
		{"null", `null`, "", true},
		{"string", `"ok"`, "", true},
		{"number", `42`, "", true},
		{"envelope with null payload", `{"data":null}`, "", true},
		{"envelope with scalar payload", `{"data":"done"}`, "", true},
		{"truncated", `{"data":`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unwrap([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrUnrecognizedShape) {
					t.Fatalf("err = %v, want ErrUnrecognizedShape", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecodeTypeMismatch(t *testing.T) {
	var out []string
	err := Decode([]byte(`{"data":{"id":"1"}}`), &out)
	if !errors.Is(err, ErrUnrecognizedShape) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
		wantMsg  string
	}{
		{"message", `{"message":"chat not found","code":"NOT_FOUND"}`, "NOT_FOUND", "chat not found"},
		{"error string", `{"error":"bad input"}`, "", "bad input"},
		{"nested error", `{"error":{"code":"E1","message":"boom"}}`, "E1", "boom"},
		{"plain text", `gateway timeout`, "", "gateway timeout"},
		{"empty", ``, "", "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := parseError(502, []byte(tt.body))
			if e.Code != tt.wantCode || e.Message != tt.wantMsg {
				t.Errorf("got %+v", e)
			}
		})
	}
}
