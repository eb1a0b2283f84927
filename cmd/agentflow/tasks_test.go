package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/domain"
)

func TestParseDecompositionYAML(t *testing.T) {
	tasks, err := parseDecomposition([]byte(`
- description: design the schema
  priority: high
  agent_type_hint: claude
- description: write migrations
  timeout: 90s
  max_retries: 0
  context_refs:
    - kind: shared_document
      key: schema
- description: anything
`))
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, domain.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, "claude", tasks[0].AgentType)
	assert.Equal(t, 90*time.Second, tasks[1].Timeout)
	require.NotNil(t, tasks[1].MaxRetries)
	assert.Equal(t, 0, *tasks[1].MaxRetries)
	assert.Equal(t, []domain.ContextRef{{Kind: domain.ContextSharedDocument, Key: "schema"}}, tasks[1].ContextRefs)
	assert.Equal(t, domain.Priority(0), tasks[2].Priority)
	assert.Nil(t, tasks[2].MaxRetries)
}

func TestParseDecompositionJSON(t *testing.T) {
	tasks, err := parseDecomposition([]byte(`{"tasks":[{"description":"a","priority":"low"},{"description":"b"}]}`))
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.PriorityLow, tasks[0].Priority)
}

func TestParseDecompositionErrors(t *testing.T) {
	for name, body := range map[string]string{
		"empty":        "",
		"scalar":       "just text",
		"no tasks":     "tasks: []",
		"bad priority": "- description: a\n  priority: urgent\n",
		"missing desc": "- priority: high\n",
		"bad ref":      "- description: a\n  context_refs: [{kind: gossip}]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseDecomposition([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestServerURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", serverURL(":8080"))
	assert.Equal(t, "http://10.0.0.2:9000", serverURL("10.0.0.2:9000"))
}
