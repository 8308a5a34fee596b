package redact

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecrets(t *testing.T) {
	in := "using token=abcdefghijklmnopqrstuvwxyz for api"
	out := Secrets(in)
	assert.Equal(t, "using token=[REDACTED] for api", out)
	assert.True(t, ContainsSecret(in))
	assert.False(t, ContainsSecret(out))
	assert.Equal(t, "token=short", Secrets("token=short"))
}

func TestHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-API-Token", "secret-value")
	h.Set("Content-Type", "application/json")
	assert.Equal(t, "Content-Type=application/json; X-Api-Token=[REDACTED]", Headers(h))
}

func TestURL(t *testing.T) {
	u, err := url.Parse("http://127.0.0.1:51338/api/v1/events?token=abc&since=5")
	require.NoError(t, err)
	out := URL(u)
	assert.Contains(t, out, "since=5")
	assert.Contains(t, out, "token=%5BREDACTED%5D")
	assert.NotContains(t, out, "abc")
	assert.Equal(t, "abc", u.Query().Get("token"), "input is not modified")

	plain, _ := url.Parse("/api/v1/status")
	assert.Equal(t, "/api/v1/status", URL(plain))
	assert.Empty(t, URL(nil))
}

func TestPath(t *testing.T) {
	assert.Equal(t, "/home/[USER]/.lanchat/data", Path("/home/alice/.lanchat/data"))
	assert.Equal(t, "/Users/[USER]/x", Path("/Users/bob/x"))
	assert.Equal(t, `C:\Users\[USER]\lanchat`, Path(`C:\Users\carol\lanchat`))
}
