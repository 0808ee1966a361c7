package database

import (
	"reflect"
	"testing"
)

func TestStringArrayScan(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want StringArray
	}{
		{"nil", nil, nil},
		{"json", `["doctor","admin"]`, StringArray{"doctor", "admin"}},
		{"json bytes", []byte(`["a"]`), StringArray{"a"}},
		{"array literal", `{a,"b,c",d}`, StringArray{"a", "b,c", "d"}},
		{"empty literal", `{}`, StringArray{}},
		{"plain", "doctor", StringArray{"doctor"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got StringArray
			if err := got.Scan(tt.in); err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestStringArrayValue(t *testing.T) {
	v, err := StringArray{"doctor"}.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != `["doctor"]` {
		t.Errorf("Value = %v", v)
	}
	if v, _ := StringArray(nil).Value(); v != nil {
		t.Errorf("nil Value = %v", v)
	}
}

func TestScanRejectsUnknownType(t *testing.T) {
	var a StringArray
	if err := a.Scan(42); err == nil {
		t.Fatal("expected error")
	}
}
