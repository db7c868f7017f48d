package natsbridge

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"actorbus/internal/bus"
	"actorbus/internal/metrics"
)

func TestDeliverForwardsIntoRegisteredMailbox(t *testing.T) {
	b := bus.New()
	mb, err := b.Register(42)
	if err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	br := &Bridge{b: b, target: 42, logger: zerolog.Nop(), m: m}

	br.deliver(&nats.Msg{Subject: "x", Data: []byte("payload")})

	if mb.Length() != 1 {
		t.Fatalf("mailbox length = %d, want 1", mb.Length())
	}
}

func TestDeliverToUnregisteredHandleIsDroppedNotPanicked(t *testing.T) {
	b := bus.New()
	m := metrics.New()
	br := &Bridge{b: b, target: 99, logger: zerolog.Nop(), m: m}

	br.deliver(&nats.Msg{Subject: "x", Data: []byte("payload")})
}
