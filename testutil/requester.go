package testutil

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
)

// RequestFunc answers one request
type RequestFunc func(ctx context.Context, subject string, data []byte) (*nats.Msg, error)

// Request is a recorded call to MockRequester
type Request struct {
	Subject string
	Data    []byte
	Header  nats.Header
}

// MockRequester is an in-memory request/reply transport. Subjects without a responder
// fail with nats.ErrNoResponders, as a real server does.
// Thread-safe for concurrent use from multiple goroutines.
type MockRequester struct {
	mu         sync.Mutex
	responders map[string]RequestFunc
	requests   []Request
}

// NewMockRequester creates a requester with no responders
func NewMockRequester() *MockRequester {
	return &MockRequester{responders: make(map[string]RequestFunc)}
}

// Respond installs fn as the responder for subject
func (r *MockRequester) Respond(subject string, fn RequestFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responders[subject] = fn
}

// Request records the call and dispatches it to the subject's responder
func (r *MockRequester) Request(ctx context.Context, subject string, data []byte, hdr nats.Header) (*nats.Msg, error) {
	r.mu.Lock()
	r.requests = append(r.requests, Request{Subject: subject, Data: append([]byte(nil), data...), Header: hdr})
	fn, ok := r.responders[subject]
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, nats.ErrNoResponders
	}
	return fn(ctx, subject, data)
}

// Requests returns the recorded calls
func (r *MockRequester) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// Count returns the number of requests sent to subject
func (r *MockRequester) Count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.requests {
		if req.Subject == subject {
			n++
		}
	}
	return n
}

// Reply builds a successful response
func Reply(data []byte) *nats.Msg {
	return &nats.Msg{Data: data, Header: nats.Header{}}
}

// ErrorReply builds a micro error response carrying code and description
func ErrorReply(code, description string) *nats.Msg {
	msg := &nats.Msg{Header: nats.Header{}}
	msg.Header.Set(micro.ErrorCodeHeader, code)
	msg.Header.Set(micro.ErrorHeader, description)
	return msg
}
