// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package system_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plugos/plugos/internal/plug"
	"github.com/plugos/plugos/internal/system"
)

func names(ms []*plug.Manifest) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}

func TestLoadOrder(t *testing.T) {
	tests := []struct {
		name      string
		manifests []*plug.Manifest
		want      []string
	}{
		{
			name: "independent plugs sort by name",
			manifests: []*plug.Manifest{
				{Name: "c"}, {Name: "a"}, {Name: "b"},
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "dependencies first",
			manifests: []*plug.Manifest{
				{Name: "app", Dependencies: map[string]string{"lib": "*", "core": "*"}},
				{Name: "lib", Dependencies: map[string]string{"core": "*"}},
				{Name: "core"},
			},
			want: []string{"core", "lib", "app"},
		},
		{
			name: "missing dependency ignored",
			manifests: []*plug.Manifest{
				{Name: "b", Dependencies: map[string]string{"ghost": "*"}},
				{Name: "a"},
			},
			want: []string{"a", "b"},
		},
		{
			name: "cycle appended last",
			manifests: []*plug.Manifest{
				{Name: "y", Dependencies: map[string]string{"x": "*"}},
				{Name: "x", Dependencies: map[string]string{"y": "*"}},
				{Name: "z"},
			},
			want: []string{"z", "x", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, names(system.LoadOrder(tt.manifests)))
		})
	}
}
