package progress

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/incogthemself/site-snapshot/internal/job"
	"github.com/incogthemself/site-snapshot/pkg/types"
)

func TestHubBroadcastsToListeners(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(hub.Close)

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	evt := job.Event{
		Type:      "progress",
		Timestamp: time.Now(),
		Job: types.Job{
			ID:       "job-1",
			Status:   types.JobStatusProcessing,
			Progress: 42,
		},
	}
	// The registration races the publish; retry briefly until the listener
	// is attached.
	received := make(chan []byte, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			received <- msg
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		hub.Publish(evt)
		select {
		case msg := <-received:
			var decoded job.Event
			if err := json.Unmarshal(msg, &decoded); err != nil {
				t.Fatalf("decode broadcast: %v", err)
			}
			if decoded.Job.ID != "job-1" || decoded.Job.Progress != 42 {
				t.Fatalf("unexpected broadcast payload: %+v", decoded)
			}
			return
		case <-deadline:
			t.Fatal("listener never received the broadcast")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHubPublishWithoutListeners(t *testing.T) {
	hub := NewHub(nil)
	t.Cleanup(hub.Close)

	// Publishing with nobody connected must not block or panic.
	for i := 0; i < 200; i++ {
		hub.Publish(job.Event{Type: "progress", Job: types.Job{ID: "solo"}})
	}
}

func TestHubPublishAfterClose(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()
	hub.Publish(job.Event{Type: "progress"})
}
