package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain text`, `plain text`},
		{`with "quotes"`, `with \"quotes\"`},
		{`back\slash`, `back\\slash`},
		{`both \"mixed\"`, `both \\\"mixed\\\"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeAppleScript(tt.in))
	}
}
