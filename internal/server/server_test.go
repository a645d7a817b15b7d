package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/peacock0803sz/orthrus/internal/config"
	"github.com/peacock0803sz/orthrus/internal/hub"
)

func startServer(t *testing.T, status StatusFunc) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	h := hub.New("secret", hub.Backend{})
	s := New(config.ServerConfig{Listen: "127.0.0.1:0"}, http.HandlerFunc(h.HandleWebSocket), status, nil)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()
	t.Cleanup(cancel)
	return s, cancel, errCh
}

func TestHealthz(t *testing.T) {
	s, _, _ := startServer(t, func() any { return map[string]int{"terminals": 2} })

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string         `json:"status"`
		Sessions map[string]int `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Sessions["terminals"] != 2 {
		t.Fatalf("body = %+v", body)
	}
}

func TestHealthzRejectsPost(t *testing.T) {
	s, _, _ := startServer(t, nil)

	resp, err := http.Post("http://"+s.Addr()+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	s, _, _ := startServer(t, nil)

	resp, err := http.Get("http://" + s.Addr() + "/ws")
	if err != nil {
		t.Fatalf("GET /ws error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStartShutsDownOnCancel(t *testing.T) {
	s, cancel, errCh := startServer(t, nil)
	addr := s.Addr()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("expected connection failure after shutdown")
	}
}

func TestListenFailure(t *testing.T) {
	s := New(config.ServerConfig{Listen: "256.0.0.1:0"}, http.NotFoundHandler(), nil, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}
