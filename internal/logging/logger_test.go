package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"DEBUG":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"ERROR":   zerolog.ErrorLevel,
		"FATAL":   zerolog.FatalLevel,
		"verbose": zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "WARN", Component: "agent", JSONFormat: true}, &buf)

	l.Info().Msg("dropped")
	gl := WithComponent(l, "Gate")
	gl.Warn().Str("symbol", "BTCUSDT").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "agent", entry["service"])
	assert.Equal(t, "Gate", entry["component"])
	assert.Equal(t, "BTCUSDT", entry["symbol"])
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "DEBUG"}, &buf)
	l.Debug().Msg("hello console")
	assert.Contains(t, buf.String(), "hello console")
}

func TestSetDefault(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewWithWriter(Config{JSONFormat: true}, &buf))

	dl := Default()
	dl.Info().Msg("via default")
	assert.Contains(t, buf.String(), "via default")

	// No logger in context falls back to the default.
	cl := FromContext(context.Background())
	cl.Info().Msg("via context fallback")
	assert.Contains(t, buf.String(), "via context fallback")
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	base := NewWithWriter(Config{JSONFormat: true}, &buf)

	r := gin.New()
	r.Use(GinMiddleware(base))
	r.GET("/ping", func(c *gin.Context) {
		hl := FromContext(c.Request.Context())
		hl.Info().Msg("inside handler")
		c.String(http.StatusTeapot, "pong")
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(TraceHeader, "trace-abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "trace-abc", w.Header().Get(TraceHeader))
	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-abc"`)
	assert.Contains(t, out, "inside handler")
	assert.Contains(t, out, `"status_code":418`)
	assert.Contains(t, out, `"level":"warn"`)
}
