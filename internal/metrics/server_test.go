package metrics

import (
	"bytes"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHealthEndpoint(t *testing.T) {
	router := NewRouter(New(), nil, logging.Nop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	var readyErr error
	router := NewRouter(New(), func() error { return readyErr }, logging.Nop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	readyErr = errors.New("broker connection closed")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "broker connection closed")
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.RecordReceived()
	m.RecordEngineRun("ladder", 0, nil)

	router := NewRouter(m, nil, logging.Nop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "transcoder_events_total 1")
	assert.Contains(t, body, `transcoder_ffmpeg_runs{result="success",variant="ladder"} 1`)
}

func TestServerStopLogsUncleanShutdown(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, logging.Config{Level: "info", Format: "json"})

	entered := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)

	s := &Server{
		server: &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-unblock
		})},
		logger: logger,
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.server.Serve(ln)

	go http.Get("http://" + ln.Addr().String() + "/slow")
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("request never reached the handler")
	}

	s.Stop(20 * time.Millisecond)
	assert.Contains(t, buf.String(), "did not shut down cleanly")
}
