package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesName(t *testing.T) {
	cases := []struct {
		name  string
		match bool
	}{
		{"session-0a1b2c3d", true},
		{"/session-0a1b2c3d", true},
		{"session-00000000", true},
		{"session-0a1b2c3", false},
		{"session-0a1b2c3d9", false},
		{"session-0A1B2C3D", false},
		{"session-zzzzzzzz", false},
		{"other-0a1b2c3d", false},
		{"", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.match, MatchesName(tc.name), "name %q", tc.name)
	}
}

func TestContainerName(t *testing.T) {
	name := ContainerName("0a1b2c3d")
	assert.Equal(t, "session-0a1b2c3d", name)
	assert.True(t, MatchesName(name))
}

func TestProbeURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:4005/", ProbeURL(4005))
}
