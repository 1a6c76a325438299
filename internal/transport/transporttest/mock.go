// Package transporttest provides a scriptable Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/kwrelay/kwrelay/internal/transport"
)

// Call records one Send invocation.
type Call struct {
	SenderID string
	Target   transport.Target
	Payload  string
}

// Mock implements transport.Transport. SendFunc, when set, scripts the
// outcome; otherwise every send succeeds. All calls are recorded.
type Mock struct {
	mu    sync.Mutex
	calls []Call

	SendFunc func(ctx context.Context, senderID string, target transport.Target, payload string) (transport.Outcome, error)
}

// Send records the call and delegates to SendFunc.
func (m *Mock) Send(ctx context.Context, senderID string, target transport.Target, payload string) (transport.Outcome, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{SenderID: senderID, Target: target, Payload: payload})
	m.mu.Unlock()

	if m.SendFunc != nil {
		return m.SendFunc(ctx, senderID, target, payload)
	}
	return transport.Outcome{Code: transport.CodeOK}, nil
}

// Calls returns a copy of the recorded calls.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of recorded calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
