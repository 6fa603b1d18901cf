package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"alice@example.com": "a***e@e*****e.c*m",
		"  bob@mx.io ":      "b*b@**.**",
		"not-an-address":    "not-an-address",
		"@example.com":      "@example.com",
		"user@":             "user@",
	}
	for in, want := range tests {
		assert.Equal(t, want, MaskEmail(in), in)
	}
}
