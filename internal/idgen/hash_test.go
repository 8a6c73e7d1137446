package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeBase36(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		length int
	}{
		{"empty", []byte{}, 6},
		{"single byte", []byte{0xff}, 6},
		{"four bytes", []byte{0xde, 0xad, 0xbe, 0xef}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeBase36(tt.data, tt.length)
			if len(got) != tt.length {
				t.Errorf("EncodeBase36() length = %d, want %d", len(got), tt.length)
			}
			for _, c := range got {
				if !strings.ContainsRune(base36Alphabet, c) {
					t.Errorf("EncodeBase36() produced non-base36 char %q", c)
				}
			}
		})
	}
}

func TestNewDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := New(PrefixIngredient, ts, 0, "五花肉", "pinzhi")
	b := New(PrefixIngredient, ts, 0, "五花肉", "pinzhi")
	if a != b {
		t.Errorf("same inputs should produce same ID: %s vs %s", a, b)
	}
	if !HasPrefix(a, PrefixIngredient) {
		t.Errorf("ID %s should carry prefix %s", a, PrefixIngredient)
	}

	c := New(PrefixIngredient, ts, 1, "五花肉", "pinzhi")
	if a == c {
		t.Error("bumping the nonce should change the ID")
	}

	d := New(PrefixReport, ts, 0, "五花肉", "pinzhi")
	if strings.TrimPrefix(a, "ing") == d {
		t.Error("prefix should be part of the ID")
	}
}
