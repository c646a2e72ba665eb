package envelope

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	t.Run("valid minimal", func(t *testing.T) {
		req, perr := ParseRequest([]byte(`{"op":"v1:catalog.list"}`))
		require.Nil(t, perr)
		assert.Equal(t, "v1:catalog.list", req.Op)
		assert.Empty(t, req.Arguments())
		assert.Empty(t, req.RequestID())
	})

	t.Run("valid full", func(t *testing.T) {
		body := `{
			"op": "v2:item.reserve",
			"args": {"itemId": "X"},
			"ctx": {"requestId": "3b241101-e2bb-4255-8caf-4136c566a962", "sessionId": "9f8b1a77-0f1e-4a44-9d5f-0a2f6a1f2b3c"},
			"media": [{"name": "cover", "mimeType": "image/png", "ref": "m-1"}]
		}`
		req, perr := ParseRequest([]byte(body))
		require.Nil(t, perr)
		assert.Equal(t, "3b241101-e2bb-4255-8caf-4136c566a962", req.RequestID())
		assert.Equal(t, "9f8b1a77-0f1e-4a44-9d5f-0a2f6a1f2b3c", req.SessionID())
		assert.Equal(t, map[string]any{"itemId": "X"}, req.Arguments())
	})

	t.Run("not json", func(t *testing.T) {
		_, perr := ParseRequest([]byte(`{nope`))
		require.NotNil(t, perr)
		assert.Equal(t, http.StatusBadRequest, perr.Status)
		assert.Equal(t, CodeInvalidEnvelope, perr.Err.Code)
	})

	t.Run("missing op", func(t *testing.T) {
		_, perr := ParseRequest([]byte(`{"args":{}}`))
		require.NotNil(t, perr)
		assert.Equal(t, CodeInvalidEnvelope, perr.Err.Code)
		assert.Contains(t, perr.Err.Message, "op: required")
	})

	t.Run("bad op shape", func(t *testing.T) {
		_, perr := ParseRequest([]byte(`{"op":"catalog.list"}`))
		require.NotNil(t, perr)
		assert.Contains(t, perr.Err.Message, "v<major>:<namespace>.<verb>")
	})

	t.Run("bad uuid", func(t *testing.T) {
		_, perr := ParseRequest([]byte(`{"op":"v1:a.b","ctx":{"requestId":"nope"}}`))
		require.NotNil(t, perr)
		assert.Contains(t, perr.Err.Message, "ctx.requestId")
	})

	t.Run("media shape", func(t *testing.T) {
		_, perr := ParseRequest([]byte(`{"op":"v1:a.b","media":[{"ref":"m"}]}`))
		require.NotNil(t, perr)
		assert.Contains(t, perr.Err.Message, "media[0].name")
		assert.Contains(t, perr.Err.Message, "media[0].mimeType")
	})
}

func TestValidOpName(t *testing.T) {
	valid := []string{"v1:catalog.list", "v2:item.reserve", "v10:reports.overdue.generate"}
	for _, name := range valid {
		assert.True(t, ValidOpName(name), name)
	}
	invalid := []string{"", "catalog.list", "v1:catalog", "1:catalog.list", "v1:.list", "v1:catalog."}
	for _, name := range invalid {
		assert.False(t, ValidOpName(name), name)
	}
}

func TestProtocolErrorConstructors(t *testing.T) {
	t.Run("unknown operation literal message", func(t *testing.T) {
		perr := UnknownOperation("v9:nope")
		assert.Equal(t, http.StatusBadRequest, perr.Status)
		assert.Equal(t, "Unknown operation: v9:nope", perr.Err.Message)
	})

	t.Run("insufficient scopes cause", func(t *testing.T) {
		perr := InsufficientScopes([]string{"items:write"})
		assert.Equal(t, http.StatusForbidden, perr.Status)
		assert.Equal(t, []any{"items:write"}, perr.Err.Cause["missing"])
	})

	t.Run("op removed cause", func(t *testing.T) {
		perr := OpRemoved("v1:catalog.listLegacy", "2026-06-01", "v1:catalog.list")
		assert.Equal(t, http.StatusGone, perr.Status)
		assert.Equal(t, "v1:catalog.listLegacy", perr.Err.Cause["removedOp"])
		assert.Equal(t, "2026-06-01", perr.Err.Cause["sunset"])
		assert.Equal(t, "v1:catalog.list", perr.Err.Cause["replacement"])
	})

	t.Run("rate limited retry hint", func(t *testing.T) {
		perr := RateLimited(600)
		assert.Equal(t, http.StatusTooManyRequests, perr.Status)
		assert.Equal(t, int64(600), perr.RetryAfterMs())
	})

	t.Run("retry hint survives cause JSON round trip", func(t *testing.T) {
		// json.Unmarshal turns cause numbers into float64; the typed field
		// keeps the hint intact regardless of what the map holds.
		perr := RateLimited(750)
		raw, err := json.Marshal(perr.Err)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &perr.Err))
		assert.IsType(t, float64(0), perr.Err.Cause["retryAfterMs"])
		assert.Equal(t, int64(750), perr.RetryAfterMs())
	})

	t.Run("internal hides detail", func(t *testing.T) {
		perr := Internal()
		assert.Equal(t, http.StatusInternalServerError, perr.Status)
		assert.NotContains(t, perr.Err.Message, "nil pointer")
	})
}

// Core-managed fields survive a decode/re-encode round trip byte-equal.
func TestResponseRoundTrip(t *testing.T) {
	resp := &Response{
		RequestID: "3b241101-e2bb-4255-8caf-4136c566a962",
		SessionID: "9f8b1a77-0f1e-4a44-9d5f-0a2f6a1f2b3c",
		State:     StateError,
		Error:     &Error{Code: "ITEM_NOT_FOUND", Message: "no such item"},
	}
	first, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDomainError(t *testing.T) {
	derr := NewDomainError("OVERDUE_ITEMS", "patron has overdue items")
	derr.Cause = map[string]any{"count": 3}
	wire := derr.Wire()
	assert.Equal(t, "OVERDUE_ITEMS", wire.Code)
	assert.Equal(t, "OVERDUE_ITEMS: patron has overdue items", derr.Error())
}
