package convai_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/pkg/convai"
)

func TestNewDialer_RequiresAgentID(t *testing.T) {
	t.Parallel()
	if _, err := convai.NewDialer("", "key"); !errors.Is(err, convai.ErrMissingAgentID) {
		t.Fatalf("err = %v, want ErrMissingAgentID", err)
	}
}

func TestDialer_URL(t *testing.T) {
	t.Parallel()
	d, err := convai.NewDialer("agent 1", "", convai.WithBaseURL("wss://example.test/v1/convai/conversation"))
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	got, err := d.URL()
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	want := "wss://example.test/v1/convai/conversation?agent_id=agent+1"
	if got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}

func TestDialer_HandshakeAndEcho(t *testing.T) {
	t.Parallel()

	gotKey := make(chan string, 1)
	gotAgent := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey <- r.Header.Get("xi-api-key")
		gotAgent <- r.URL.Query().Get("agent_id")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		typ, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		_ = c.Write(r.Context(), typ, data)
		_ = c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d, err := convai.NewDialer("agent-1", "secret", convai.WithBaseURL(wsURL))
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if k := <-gotKey; k != "secret" {
		t.Errorf("xi-api-key = %q, want secret", k)
	}
	if a := <-gotAgent; a != "agent-1" {
		t.Errorf("agent_id = %q, want agent-1", a)
	}

	if err := conn.Write(ctx, convai.SetupMessage()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != string(convai.SetupMessage()) {
		t.Errorf("echo = %s", data)
	}

	_, err = conn.Read(ctx)
	if !convai.IsNormalClose(err) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestDialer_RefusedIsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	d, _ := convai.NewDialer("agent-1", "bad", convai.WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.Dial(ctx); err == nil {
		t.Fatal("expected dial error for refused handshake")
	}
}
