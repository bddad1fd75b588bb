package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveStructure(t *testing.T) {
	tests := []struct {
		name        string
		legacyGfa   int64
		legacyAutre int64
		want        int64
		wantErr     bool
	}{
		{name: "gfa field authoritative", legacyGfa: 12, legacyAutre: 0, want: 12},
		{name: "lowest gfa id", legacyGfa: 11, legacyAutre: 0, want: 11},
		{name: "highest gfa id", legacyGfa: 14, legacyAutre: 0, want: 14},
		{name: "other field authoritative", legacyGfa: 0, legacyAutre: 44, want: 44},
		{name: "both set is a conflict", legacyGfa: 12, legacyAutre: 44, wantErr: true},
		{name: "both zero is a conflict", legacyGfa: 0, legacyAutre: 0, wantErr: true},
		{name: "gfa id out of range", legacyGfa: 15, legacyAutre: 0, wantErr: true},
		{name: "gfa id below range", legacyGfa: 10, legacyAutre: 0, wantErr: true},
		{name: "negative other field", legacyGfa: 0, legacyAutre: -3, wantErr: true},
		{name: "out-of-range gfa with other set", legacyGfa: 7, legacyAutre: 44, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveStructure(tt.legacyGfa, tt.legacyAutre)
			if tt.wantErr {
				assert.Error(t, err)
				var conflict *StructureResolutionConflict
				assert.True(t, errors.As(err, &conflict))
				assert.Equal(t, tt.legacyGfa, conflict.LegacyGfa)
				assert.Equal(t, tt.legacyAutre, conflict.LegacyAutre)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveStructureIsPure(t *testing.T) {
	// Same inputs must always give the same answer
	for i := 0; i < 3; i++ {
		got, err := ResolveStructure(13, 0)
		assert.NoError(t, err)
		assert.Equal(t, int64(13), got)
	}
}
