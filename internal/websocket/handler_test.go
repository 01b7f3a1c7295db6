package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varianceiq/internal/config"
	"varianceiq/pkg/contracts/domain"
)

func dial(t *testing.T, server *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandlerStreamsBroadcasts(t *testing.T) {
	hub := startHub(t)
	server := httptest.NewServer(NewHandler(hub, config.Default().WebSocket, nil, quietLogger()))
	defer server.Close()

	conn, _, err := dial(t, server, "")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, TypeConnection, readMessage(t, conn).Type)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	NewProgressPublisher(hub).Publish(domain.ProgressEvent{RunID: "r1", Step: "fetch_validations", Current: 3, Total: 6})

	msg := readMessage(t, conn)
	assert.Equal(t, TypeProgress, msg.Type)
	assert.Equal(t, "fetch_validations", msg.Data.(map[string]any)["step"])

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerChecksOrigin(t *testing.T) {
	hub := startHub(t)
	server := httptest.NewServer(NewHandler(hub, config.Default().WebSocket, []string{"http://ui.example"}, quietLogger()))
	defer server.Close()

	conn, _, err := dial(t, server, "http://ui.example")
	require.NoError(t, err)
	conn.Close()

	conn, _, err = dial(t, server, server.URL)
	require.NoError(t, err, "same host is accepted")
	conn.Close()

	_, resp, err := dial(t, server, "http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandlerPlainHTTP(t *testing.T) {
	hub := startHub(t)
	rec := httptest.NewRecorder()
	NewHandler(hub, config.Default().WebSocket, nil, quietLogger()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
