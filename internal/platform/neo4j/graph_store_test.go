package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		want  bool
	}{
		{label: "Memory", want: true},
		{label: "RELATED_TO", want: true},
		{label: "n0de", want: true},
		{label: "", want: false},
		{label: "9lives", want: false},
		{label: "Memory) DETACH DELETE (n", want: false},
		{label: "has space", want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, validLabel(tt.label), tt.label)
	}
}

func TestScopeToCube(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "property map extended",
			query: "MATCH (m:Memory {norm_key: $norm_key}) RETURN m.id AS id",
			want:  "MATCH (m:Memory {cube_id: $cube_id, norm_key: $norm_key}) RETURN m.id AS id",
		},
		{
			name:  "bare node pattern",
			query: "MATCH (m:Memory) RETURN m.id AS id",
			want:  "MATCH (m:Memory {cube_id: $cube_id}) RETURN m.id AS id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scopeToCube(tt.query))
		})
	}
}
