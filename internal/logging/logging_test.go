package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imkarma/relay/internal/config"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(config.Log{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("phase done", append(Task("t1", "/repo"), zap.String("phase", "committed"))...)
	require.NoError(t, log.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "phase done", line["msg"])
	assert.Equal(t, "t1", line["task_id"])
	assert.Equal(t, "/repo", line["tree"])
	assert.Contains(t, line, "ts")
}

func TestBadLevel(t *testing.T) {
	_, err := New(config.Log{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
