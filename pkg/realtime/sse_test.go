package realtime

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEHandler_StreamsMessages(t *testing.T) {
	hub := NewHub(8, nil)
	router := mux.NewRouter()
	router.Handle("/v1/tenants/{tenant}/realtime/stream", NewSSEHandler(hub, time.Hour, nil))
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/tenants/t1/realtime/stream?topics=session", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 1 }, time.Second, 5*time.Millisecond)

	b := NewBroadcaster(hub)
	require.NoError(t, b.BroadcastEvent("t1", map[string]string{"ignored": "yes"}))
	require.NoError(t, b.BroadcastSession("t1", map[string]string{"sessionId": "S1"}))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: session\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: {"))
	assert.Contains(t, line, `"sessionId":"S1"`)
	assert.Contains(t, line, `"tenantId":"t1"`)

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestSSEHandler_RejectsUnknownTopic(t *testing.T) {
	router := mux.NewRouter()
	router.Handle("/v1/tenants/{tenant}/realtime/stream", NewSSEHandler(NewHub(0, nil), 0, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/realtime/stream?topics=alerts", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
