package progress

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

func TestHubBroadcastsProgress(t *testing.T) {
	hub := NewHub(log.New(io.Discard))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	Send(hub, PhaseApplying, 55, "writing mods/a.jar")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var msg struct {
		Type string `json:"type"`
		Data Event  `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Type != "progress" {
		t.Errorf("Type = %q, want progress", msg.Type)
	}
	if msg.Data.Phase != PhaseApplying || msg.Data.Percent != 55 {
		t.Errorf("Data = %+v", msg.Data)
	}
}

func TestEnqueueDropsOldest(t *testing.T) {
	ch := make(chan []byte, 2)
	enqueue(ch, []byte("1"))
	enqueue(ch, []byte("2"))
	enqueue(ch, []byte("3"))

	if got := string(<-ch); got != "2" {
		t.Errorf("first = %q, want 2", got)
	}
	if got := string(<-ch); got != "3" {
		t.Errorf("second = %q, want 3", got)
	}
}
