package store

import (
	"database/sql"
	"fmt"
	"testing"
)

func TestIsNoRowsUnwrapsChains(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bare", sql.ErrNoRows, true},
		{"wrapped", fmt.Errorf("scan contact: %w", sql.ErrNoRows), true},
		{"double wrapped", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", sql.ErrNoRows)), true},
		{"other error", fmt.Errorf("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNoRows(tt.err); got != tt.want {
				t.Errorf("isNoRows(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
