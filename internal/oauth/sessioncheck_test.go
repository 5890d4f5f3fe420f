package oauth

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCheck_ValidSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	sid, err := h.sessions.Create(ctx, User{ID: "google_9", Email: "z@uci.edu", Name: "Z"}, "openid", FederatedTokens{})
	require.NoError(t, err)

	page, err := h.check.Check(ctx, "https://staging-5.antalmanac.com/planner", sid)
	require.NoError(t, err)
	assert.Equal(t, "https://staging-5.antalmanac.com", page.TargetOrigin)
	assert.True(t, page.Message.Valid)
	require.NotNil(t, page.Message.User)
	assert.Equal(t, SessionUser{ID: "google_9", Email: "z@uci.edu", Name: "Z"}, *page.Message.User)

	var buf bytes.Buffer
	require.NoError(t, page.Render(&buf))
	body := buf.String()
	assert.Contains(t, body, "window.parent.postMessage(")
	assert.Contains(t, body, `"https://staging-5.antalmanac.com"`)
	assert.Contains(t, body, `"type":"icssc-session-check"`)
	assert.Contains(t, body, `"valid":true`)
	assert.NotContains(t, body, `"*"`)
}

func TestSessionCheck_NoSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	for _, sid := range []string{"", "unknown"} {
		page, err := h.check.Check(ctx, "http://localhost:3000", sid)
		require.NoError(t, err)
		assert.False(t, page.Message.Valid)
		assert.Nil(t, page.Message.User)

		var buf bytes.Buffer
		require.NoError(t, page.Render(&buf))
		assert.Contains(t, buf.String(), `"user":null`)
	}
}

func TestSessionCheck_RejectsUnknownOrigin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, origin := range []string{"", "https://evil.com", "https://antalmanac.com.evil.com", "null"} {
		_, err := h.check.Check(context.Background(), origin, "")
		requireOAuthError(t, err, ErrCodeInvalidOrigin, http.StatusForbidden)
	}
}

func TestSessionCheckPage_EscapesScriptContext(t *testing.T) {
	t.Parallel()

	page := &SessionCheckPage{
		TargetOrigin: "https://antalmanac.com",
		Message: SessionCheckMessage{
			Type:  SessionCheckMessageType,
			Valid: true,
			User:  &SessionUser{ID: "google_1", Name: "</script><script>alert(1)</script>"},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, page.Render(&buf))
	assert.NotContains(t, buf.String(), "<script>alert(1)")
}
