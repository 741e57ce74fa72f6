package log_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/berylliumsec/nebula-watcher/internal/log"
	"github.com/berylliumsec/nebula-watcher/internal/model"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(false, &buf)

	ctx := log.ContextAttrs(t.Context(), slog.String("run", "r1"))
	child := log.ContextAttrs(ctx, slog.String("path", "a.xml"))
	logger.InfoContext(child, "parsed")
	logger.DebugContext(child, "hidden")
	logger.InfoContext(ctx, "parent")

	dec := json.NewDecoder(&buf)
	var first, second map[string]any
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	require.Equal(t, "parsed", first["msg"])
	require.Equal(t, "r1", first["run"])
	require.Equal(t, "a.xml", first["path"])

	require.Equal(t, "parent", second["msg"])
	require.NotContains(t, second, "path")
}

func TestOutput(t *testing.T) {
	t.Parallel()
	w, err := log.Output(model.LogStdout)
	require.NoError(t, err)
	require.Equal(t, os.Stdout, w)

	w, err = log.Output(model.LogDiscard)
	require.NoError(t, err)
	require.Equal(t, io.Discard, w)

	path := filepath.Join(t.TempDir(), "logs", "watcher.log")
	w, err = log.Output(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	if c, ok := w.(io.Closer); ok {
		require.NoError(t, c.Close())
	}

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(b))
}
