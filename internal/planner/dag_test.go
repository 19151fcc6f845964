package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDAG(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		deps    map[string][]string
		wantErr string
	}{
		{
			name: "linear chain",
			ids:  []string{"a", "b", "c"},
			deps: map[string][]string{"b": {"a"}, "c": {"b"}},
		},
		{
			name: "diamond",
			ids:  []string{"a", "b", "c", "d"},
			deps: map[string][]string{"b": {"a"}, "c": {"a"}, "d": {"b", "c"}},
		},
		{
			name: "no dependencies",
			ids:  []string{"a", "b"},
		},
		{
			name: "empty graph",
		},
		{
			name:    "self dependency",
			ids:     []string{"a"},
			deps:    map[string][]string{"a": {"a"}},
			wantErr: "depends on itself",
		},
		{
			name:    "unknown dependency",
			ids:     []string{"a"},
			deps:    map[string][]string{"a": {"ghost"}},
			wantErr: "unknown task",
		},
		{
			name:    "two-node cycle",
			ids:     []string{"a", "b"},
			deps:    map[string][]string{"a": {"b"}, "b": {"a"}},
			wantErr: "circular dependency",
		},
		{
			name:    "three-node cycle",
			ids:     []string{"a", "b", "c"},
			deps:    map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}},
			wantErr: "circular dependency",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sorted, err := validateDAG(tt.ids, tt.deps)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, sorted, len(tt.ids))

			// Every task appears after all of its dependencies.
			pos := make(map[string]int, len(sorted))
			for i, id := range sorted {
				pos[id] = i
			}
			for id, deps := range tt.deps {
				for _, dep := range deps {
					assert.Less(t, pos[dep], pos[id], "%s must come after %s", id, dep)
				}
			}
		})
	}
}
