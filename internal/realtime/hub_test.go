package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/hirewire/hirewire/internal/settlement"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func connect(h *Hub, userID string) *Client {
	c := &Client{hub: h, userID: userID, send: make(chan []byte, 16)}
	h.register <- c
	return c
}

func recv(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case payload := <-c.send:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("failed to decode envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Envelope{}
	}
}

func TestNotifyDeliversToUser(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	c := connect(h, "user-1")
	h.Notify("user-1", settlement.Event{
		Kind:        "escrow.released",
		ContractID:  "ct_1",
		AmountCents: 900,
	})

	env := recv(t, c)
	if env.Type != "escrow.released" {
		t.Errorf("expected escrow.released, got %s", env.Type)
	}
	if env.Data.ContractID != "ct_1" || env.Data.AmountCents != 900 {
		t.Errorf("unexpected event data: %+v", env.Data)
	}
}

func TestNotifyIsTargeted(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	target := connect(h, "user-1")
	other := connect(h, "user-2")

	h.Notify("user-1", settlement.Event{Kind: "escrow.funded", ContractID: "ct_1"})
	recv(t, target)

	select {
	case <-other.send:
		t.Error("event delivered to the wrong user")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifyFansOutToAllConnections(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	// Same user connected twice (two tabs).
	first := connect(h, "user-1")
	second := connect(h, "user-1")

	h.Notify("user-1", settlement.Event{Kind: "escrow.refunded", ContractID: "ct_1"})

	recv(t, first)
	recv(t, second)
}

func TestNotifyToDisconnectedUserIsDropped(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	// No connections for this user; must not block or panic.
	h.Notify("ghost", settlement.Event{Kind: "escrow.released"})
}

func TestUnregisterRemovesConnection(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	c := connect(h, "user-1")
	h.unregister <- c

	deadline := time.After(2 * time.Second)
	for {
		h.mu.RLock()
		n := len(h.byUser)
		h.mu.RUnlock()
		if n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("connection was not removed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The send channel is closed on unregister.
	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed")
	}
}

func TestShutdownClosesClients(t *testing.T) {
	h, cancel := startHub(t)

	c := connect(h, "user-1")
	cancel()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected closed channel on shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client channel not closed on shutdown")
	}
}

func TestStats(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	connect(h, "user-1")
	connect(h, "user-1")
	connect(h, "user-2")

	deadline := time.After(2 * time.Second)
	for {
		stats := h.Stats()
		if stats["connectedClients"].(int64) == 3 && stats["connectedUsers"].(int) == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("unexpected stats: %+v", h.Stats())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDetachAfterShutdownReturns(t *testing.T) {
	h, cancel := startHub(t)
	c := connect(h, "user-1")

	cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		c.detach()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("detach blocked after hub shutdown")
	}
}
