// Package memory backs alert tests with a publisher that delivers
// nowhere and remembers everything.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage is one recorded delivery.
type PublishedMessage struct {
	Seq     int
	Topic   string
	Payload any
}

// Publisher records every publish in order. The zero value is usable;
// New exists for symmetry with the pubsub publisher.
type Publisher struct {
	mu   sync.Mutex
	seq  int
	sent []PublishedMessage
}

func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a synthetic id that encodes
// the delivery sequence, so tests can assert ordering from ids alone.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.sent = append(p.sent, PublishedMessage{Seq: p.seq, Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%d", p.seq), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedMessage(nil), p.sent...)
}

// TopicMessages returns only the deliveries addressed to topic.
func (p *Publisher) TopicMessages(topic string) []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PublishedMessage
	for _, m := range p.sent {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
