package reactor

import (
	"context"
	"strings"
	"testing"
	"time"
)

func pollUntil(t *testing.T, s *Server, tag EventTag, timeout time.Duration) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		ev, ok := s.Poll(ctx)
		if !ok {
			t.Fatalf("Poll timed out waiting for %v", tag)
		}
		if ev.Tag == tag {
			return ev
		}
		if ev.Tag == EventErr {
			t.Fatalf("unexpected error event while waiting for %v: %+v", tag, ev)
		}
	}
}

func TestListenConnectAcceptData(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Release()

	s.Listen("127.0.0.1", "0", 128, 0xAAAA)
	openEv := pollUntil(t, s, EventOpen, 2*time.Second)
	if openEv.LocalAddr == "" {
		t.Fatal("expected LocalAddr on listen EventOpen")
	}

	idx := strings.LastIndex(openEv.LocalAddr, ":")
	if idx < 0 {
		t.Fatalf("malformed local addr %q", openEv.LocalAddr)
	}
	port := openEv.LocalAddr[idx+1:]

	s.Connect("127.0.0.1", port, 0xBBBB)

	acceptEv := pollUntil(t, s, EventAccept, 2*time.Second)
	if acceptEv.Opaque != 0xAAAA {
		t.Fatalf("accept opaque = %v, want listener's opaque", acceptEv.Opaque)
	}
	s.Start(acceptEv.ID)

	connectOpen := pollUntil(t, s, EventOpen, 2*time.Second)
	if connectOpen.Opaque != 0xBBBB {
		t.Fatalf("connect-side open opaque = %v, want 0xBBBB", connectOpen.Opaque)
	}

	payload := []byte("hello actor bus")
	s.SendLow(connectOpen.ID, payload)

	dataEv := pollUntil(t, s, EventData, 2*time.Second)
	if string(dataEv.Data) != string(payload) {
		t.Fatalf("received %q, want %q", dataEv.Data, payload)
	}
	if dataEv.ID != acceptEv.ID {
		t.Fatalf("data arrived on socket %d, want accepted socket %d", dataEv.ID, acceptEv.ID)
	}
}

func TestCloseBothTearsSocketDown(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Release()

	s.Listen("127.0.0.1", "0", 128, 1)
	openEv := pollUntil(t, s, EventOpen, 2*time.Second)
	idx := strings.LastIndex(openEv.LocalAddr, ":")
	port := openEv.LocalAddr[idx+1:]

	s.Connect("127.0.0.1", port, 2)
	acceptEv := pollUntil(t, s, EventAccept, 2*time.Second)
	s.Start(acceptEv.ID)
	connectOpen := pollUntil(t, s, EventOpen, 2*time.Second)

	s.Close(connectOpen.ID, ShutdownBoth, connectOpen.Opaque)
	closeEv := pollUntil(t, s, EventClose, 2*time.Second)
	if closeEv.ID != connectOpen.ID {
		t.Fatalf("close event id = %d, want %d", closeEv.ID, connectOpen.ID)
	}
}
