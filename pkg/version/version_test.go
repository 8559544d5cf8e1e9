package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionFollowsSemverOrDev(t *testing.T) {
	require.NotEmpty(t, Version)
	if Version == "dev" {
		return
	}
	semverRegex := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semverRegex.MatchString(Version),
		"Version should follow semver format, got: %s", Version)
}

func TestStringContainsBuildInfo(t *testing.T) {
	str := String()
	assert.Contains(t, str, Version)
	assert.Contains(t, str, "docsearch")
	assert.Contains(t, str, "commit")
	assert.Contains(t, str, "go")
}

func TestShortReturnsVersion(t *testing.T) {
	assert.Equal(t, Version, Short())
}

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, Commit, info.Commit)
	assert.Equal(t, Date, info.Date)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
}

func TestGetInfoIsJSONSerializable(t *testing.T) {
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	for _, field := range []string{"version", "commit", "date", "go_version", "os", "arch"} {
		assert.Contains(t, parsed, field)
	}
}
