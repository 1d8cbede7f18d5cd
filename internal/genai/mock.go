package genai

import (
	"context"
	"sync"
)

// MockGenerator returns scripted generations in order and records requests.
// When the script runs out it repeats the last entry.
type MockGenerator struct {
	mu       sync.Mutex
	script   []MockReply
	requests []Request
}

// MockReply is one scripted answer.
type MockReply struct {
	Generation Generation
	Err        error
}

// NewMockGenerator creates a generator that answers with replies in order.
func NewMockGenerator(replies ...MockReply) *MockGenerator {
	return &MockGenerator{script: replies}
}

// Reply is a convenience constructor for a tool-call generation.
func Reply(text, envelopeJSON string) MockReply {
	g := Generation{DisplayText: text, Source: SourceNone}
	if envelopeJSON != "" {
		g.Envelope = []byte(envelopeJSON)
		g.Source = SourceTool
	}
	return MockReply{Generation: g}
}

// Push appends replies to the script.
func (m *MockGenerator) Push(replies ...MockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
}

func (m *MockGenerator) Generate(ctx context.Context, req Request) (Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return Generation{}, err
	}
	if len(m.script) == 0 {
		return Generation{Source: SourceNone}, nil
	}
	next := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	return next.Generation, next.Err
}

// Calls returns how many times Generate was called.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the recorded requests.
func (m *MockGenerator) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
