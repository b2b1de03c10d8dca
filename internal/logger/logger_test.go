package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestDocLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	docLog := l.DocLogger("doc-1")
	docLog.Debug().Msg("hello")

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "blockdoc", got[0]["service"])
	assert.Equal(t, "document", got[0]["component"])
	assert.Equal(t, "doc-1", got[0]["doc_id"])
	assert.Equal(t, "hello", got[0]["message"])
}

func TestLevelFiltersRequests(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "error", Output: &buf})

	l.LogGrpcRequest("/blockdoc.v1.DocumentService/Init", time.Millisecond, nil)
	assert.Empty(t, buf.String())

	l.LogGrpcRequest("/blockdoc.v1.DocumentService/Init", time.Millisecond, errors.New("boom"))
	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0]["level"])
	assert.Equal(t, "boom", got[0]["error"])
	assert.Equal(t, "grpc", got[0]["component"])
}

func TestStoreLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})

	storeLog := l.StoreLogger("s3")
	storeLog.Info().Msg("saved")
	l.LogServerReady(50051)

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "store", got[0]["component"])
	assert.Equal(t, "s3", got[0]["backend"])
	assert.Equal(t, "server_ready", got[1]["event"])
}
