package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion_DefaultValues(t *testing.T) {
	// Defaults before -ldflags stamping.
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "dev", Commit)
	assert.Equal(t, "unknown", BuildTime)
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, Commit, info.Commit)
	assert.Equal(t, BuildTime, info.BuildTime)
}

func TestUserAgent_CarriesVersion(t *testing.T) {
	ua := UserAgent()
	assert.Contains(t, ua, "antigravity/")
	assert.Contains(t, ua, Version)
	assert.Contains(t, ua, "/")
}
