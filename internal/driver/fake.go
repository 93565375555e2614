package driver

import (
	"context"
	"sync"
)

// Fake is a scripted Driver for tests.

type Fake struct {
	mu        sync.Mutex
	connected bool
	closed    bool

	// ConnectErr, if set, is returned by Connect.
	ConnectErr error
	// SendErr, if set, is returned by SendText/SendMedia.
	SendErr error

	SentTo []string

	events chan Event
}

func NewFake() *Fake {
	return &Fake{events: make(chan Event, 16)}
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *Fake) SendText(ctx context.Context, to, body string, opts SendOptions) (string, error) {
	return f.record(to)
}

func (f *Fake) SendMedia(ctx context.Context, to, mediaURL, caption string, opts SendOptions) (string, error) {
	return f.record(to)
}

func (f *Fake) record(to string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return "", ErrNotConnected
	}
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.SentTo = append(f.SentTo, to)
	return "msg-" + to, nil
}

// Disconnect ends the event stream, like a real driver tearing down its
// connection.
func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closeLocked()
	return nil
}

func (f *Fake) Events() <-chan Event { return f.events }

// Emit pushes a scripted event to the consumer.
func (f *Fake) Emit(ev Event) { f.events <- ev }

// Close ends the event stream without a disconnect.
func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *Fake) closeLocked() {
	if f.closed {
		return
	}
	f.closed = true
	close(f.events)
}
