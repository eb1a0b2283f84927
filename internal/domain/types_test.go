package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskTimeoutJSON(t *testing.T) {
	cases := map[string]time.Duration{
		`{"description":"x","timeout":"5m"}`:       5 * time.Minute,
		`{"description":"x","timeout":" 1h30m "}`:  90 * time.Minute,
		`{"description":"x","timeout":2000000000}`: 2 * time.Second,
		`{"description":"x","timeout":null}`:       0,
		`{"description":"x"}`:                      0,
		`{"description":"x","timeout":"250ms"}`:    250 * time.Millisecond,
	}
	for body, want := range cases {
		var nt NewTask
		require.NoError(t, json.Unmarshal([]byte(body), &nt), body)
		assert.Equal(t, want, nt.Timeout, body)
		assert.Equal(t, "x", nt.Description)
	}
}

func TestNewTaskJSONKeepsOtherFields(t *testing.T) {
	var nt NewTask
	require.NoError(t, json.Unmarshal([]byte(`{
		"description": "build",
		"agent_type_hint": "claude",
		"priority": "high",
		"max_retries": 0,
		"timeout": "30s",
		"context_refs": [{"kind": "shared_document", "key": "plan"}]
	}`), &nt))
	assert.Equal(t, "claude", nt.AgentType)
	assert.Equal(t, PriorityHigh, nt.Priority)
	require.NotNil(t, nt.MaxRetries)
	assert.Equal(t, 0, *nt.MaxRetries)
	assert.Equal(t, 30*time.Second, nt.Timeout)
	assert.Equal(t, []ContextRef{{Kind: ContextSharedDocument, Key: "plan"}}, nt.ContextRefs)
}

func TestNewTaskTimeoutRejected(t *testing.T) {
	for _, body := range []string{
		`{"description":"x","timeout":"soon"}`,
		`{"description":"x","timeout":true}`,
		`{"description":"x","timeout":1.5}`,
	} {
		var nt NewTask
		err := json.Unmarshal([]byte(body), &nt)
		assert.ErrorIs(t, err, ErrInvalid, body)
	}

	err := NewTask{Description: "x", Timeout: -time.Second}.Validate()
	assert.ErrorIs(t, err, ErrInvalid)
}
