package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchOrigin(t *testing.T) {
	patterns := []string{"*.lms.example.com", "localhost"}

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"wildcard subdomain", "https://campus.lms.example.com", true},
		{"wildcard with port", "https://campus.lms.example.com:8443", true},
		{"wildcard with path", "https://campus.lms.example.com/course/1", true},
		{"exact host", "http://localhost", true},
		{"exact host with port", "http://localhost:3000", true},
		{"bare suffix does not match wildcard", "https://lms.example.com", false},
		{"unrelated host", "https://evil.example.org", false},
		{"suffix spoof", "https://notlms.example.com", false},
		{"empty origin", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchOrigin(tt.origin, patterns))
		})
	}
}
