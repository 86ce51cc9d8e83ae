package netenv

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// clearProxyEnv unsets every proxy variable for the duration of the test.
func clearProxyEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY",
		"http_proxy", "https_proxy", "all_proxy", "no_proxy"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestApplySetsMissingVariables(t *testing.T) {
	clearProxyEnv(t)

	applied := Apply("http://127.0.0.1:8118", "127.0.0.1,localhost")

	assert.ElementsMatch(t, []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY"}, applied)
	assert.Equal(t, "http://127.0.0.1:8118", os.Getenv("HTTPS_PROXY"))
	assert.Equal(t, "127.0.0.1,localhost", os.Getenv("NO_PROXY"))
}

func TestApplyKeepsUserSettings(t *testing.T) {
	clearProxyEnv(t)
	t.Setenv("https_proxy", "http://corp:3128")
	t.Setenv("NO_PROXY", "internal")

	applied := Apply("http://127.0.0.1:8118", "127.0.0.1,localhost")

	assert.ElementsMatch(t, []string{"HTTP_PROXY", "ALL_PROXY"}, applied)
	_, set := os.LookupEnv("HTTPS_PROXY")
	assert.False(t, set)
	assert.Equal(t, "internal", os.Getenv("NO_PROXY"))
}

func TestApplyWithoutDefaultProxy(t *testing.T) {
	clearProxyEnv(t)

	applied := Apply("", "127.0.0.1,localhost")

	assert.Equal(t, []string{"NO_PROXY"}, applied)
	_, set := os.LookupEnv("HTTP_PROXY")
	assert.False(t, set)
}
