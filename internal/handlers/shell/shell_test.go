package shell

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRunsCommand(t *testing.T) {
	var h Shell
	result, err := h.Handle(context.Background(), json.RawMessage(`{"command":"echo","args":["hello"]}`))
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "hello\n", out.Output)
}

func TestHandleMissingCommand(t *testing.T) {
	var h Shell
	_, err := h.Handle(context.Background(), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestHandleFailingCommand(t *testing.T) {
	var h Shell
	_, err := h.Handle(context.Background(), json.RawMessage(`{"command":"false"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shell error")
}

func TestHandleBadPayload(t *testing.T) {
	var h Shell
	_, err := h.Handle(context.Background(), json.RawMessage(`{broken`))
	assert.Error(t, err)
}
