package statusserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"limbic/internal/logging"
)

type staticProvider struct {
	status Status
}

func (p staticProvider) Status() Status {
	return p.status
}

func startServer(t *testing.T, provider Provider, logger *logging.Logger) *Server {
	t.Helper()
	server := New(0, provider, logger)
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return server
}

func TestStatusEndpoint(t *testing.T) {
	provider := staticProvider{status: Status{
		State: "monitoring",
		Services: []ServiceStatus{
			{Role: "backend", PID: 42, Port: 8000, Alive: true},
		},
	}}
	server := startServer(t, provider, logging.NewLoggerWithOutput(logging.LevelInfo, io.Discard))

	response, err := http.Get("http://" + server.Addr() + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", response.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != "monitoring" || len(status.Services) != 1 || status.Services[0].PID != 42 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	server := startServer(t, staticProvider{}, logging.NewLoggerWithOutput(logging.LevelInfo, io.Discard))
	response, err := http.Post("http://"+server.Addr()+"/status", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d want 405", response.StatusCode)
	}
}

func TestLogStreamReplaysAndFollows(t *testing.T) {
	logger := logging.NewLoggerWithOutput(logging.LevelInfo, io.Discard)
	logger.Info("before connect", nil)
	server := startServer(t, staticProvider{}, logger)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/ws/logs", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var replayed logging.Entry
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	// The replay includes the server's own startup line too; find ours.
	for replayed.Message != "before connect" {
		if err := conn.ReadJSON(&replayed); err != nil {
			t.Fatalf("read replay: %v", err)
		}
	}

	logger.Info("after connect", nil)
	var live logging.Entry
	for live.Message != "after connect" {
		if err := conn.ReadJSON(&live); err != nil {
			t.Fatalf("read live: %v", err)
		}
	}
}
