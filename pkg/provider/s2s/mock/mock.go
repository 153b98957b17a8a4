// Package mock provides test doubles for the s2s package interfaces.
//
// Use Dialer to verify Dial calls and hand out a controlled Conn. Use Conn to
// script inbound messages and inspect everything the session sent.
//
// Example:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Conn: conn}
//	conn.Push(s2s.ServerEvent{Kind: s2s.EventText, Text: "hi"})
//	conn.PushErr(&s2s.CloseError{Code: 1000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/provider/s2s"
)

var (
	_ s2s.Dialer = (*Dialer)(nil)
	_ s2s.Conn   = (*Conn)(nil)
)

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of [s2s.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, Dial returns a fresh [NewConn].
	Conn *Conn

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialCalls is the number of times Dial was called.
	DialCalls int

	// Block, if non-nil, holds Dial until it is closed or ctx is done.
	Block <-chan struct{}
}

// Dial records the call and returns Conn, DialErr.
func (d *Dialer) Dial(ctx context.Context) (s2s.Conn, error) {
	d.mu.Lock()
	d.DialCalls++
	block := d.Block
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Conn == nil {
		d.Conn = NewConn()
	}
	return d.Conn, nil
}

// Calls returns the number of Dial invocations. Thread-safe.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DialCalls
}

// ─── Conn ─────────────────────────────────────────────────────────────────────

type inbound struct {
	events []s2s.ServerEvent
	err    error
}

// Conn is a mock implementation of [s2s.Conn]. Inbound messages are queued
// with Push and PushErr and returned by Receive in order.
type Conn struct {
	mu sync.Mutex

	// SetupErr, if non-nil, is returned by SendSetup.
	SetupErr error

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// SetupBlock, if non-nil, holds SendSetup until it is closed, ctx is
	// done or the Conn is closed.
	SetupBlock chan struct{}

	// SendBlock, if non-nil, makes every SendAudio call wait until a value
	// is received from it or ctx is done.
	SendBlock chan struct{}

	// Setups records every SessionConfig passed to SendSetup.
	Setups []s2s.SessionConfig

	// Chunks records every chunk passed to SendAudio, including failed sends.
	Chunks []audio.Chunk

	// Calls records method names in invocation order: "setup", "audio",
	// "ping" and "close".
	Calls []string

	// PingCount is the number of Ping calls.
	PingCount int

	// CloseCount is the number of Close calls.
	CloseCount int

	queue  chan inbound
	closed chan struct{}
	once   sync.Once
	sent   chan struct{}
}

// NewConn returns a Conn with room for 64 queued inbound messages.
func NewConn() *Conn {
	return &Conn{
		queue:  make(chan inbound, 64),
		closed: make(chan struct{}),
		sent:   make(chan struct{}, 1024),
	}
}

// Push queues one inbound message carrying events.
func (c *Conn) Push(events ...s2s.ServerEvent) {
	c.queue <- inbound{events: events}
}

// PushErr queues a Receive error, e.g. an [*s2s.CloseError] or an error
// wrapping [s2s.ErrProtocol].
func (c *Conn) PushErr(err error) {
	c.queue <- inbound{err: err}
}

// SendSetup records cfg and returns SetupErr.
func (c *Conn) SendSetup(ctx context.Context, cfg s2s.SessionConfig) error {
	c.mu.Lock()
	c.Calls = append(c.Calls, "setup")
	c.Setups = append(c.Setups, cfg)
	err, block := c.SetupErr, c.SetupBlock
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-c.closed:
			return s2s.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// SendAudio records chunk and returns SendErr.
func (c *Conn) SendAudio(ctx context.Context, chunk audio.Chunk) error {
	c.mu.Lock()
	c.Calls = append(c.Calls, "audio")
	c.Chunks = append(c.Chunks, chunk)
	err, block := c.SendErr, c.SendBlock
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case c.sent <- struct{}{}:
	default:
	}
	return err
}

// Sent is signalled after every SendAudio call.
func (c *Conn) Sent() <-chan struct{} { return c.sent }

// Receive returns the next queued message. It blocks until one is queued,
// the Conn is closed (returning [s2s.ErrClosed]) or ctx is done.
func (c *Conn) Receive(ctx context.Context) ([]s2s.ServerEvent, error) {
	select {
	case m := <-c.queue:
		return m.events, m.err
	case <-c.closed:
		return nil, s2s.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping records the call and returns PingErr.
func (c *Conn) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, "ping")
	c.PingCount++
	return c.PingErr
}

// Close records the call and unblocks Receive. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.Calls = append(c.Calls, "close")
	c.CloseCount++
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Snapshot returns copies of the recorded call log and chunks. Thread-safe.
func (c *Conn) Snapshot() (calls []string, chunks []audio.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Calls...), append([]audio.Chunk(nil), c.Chunks...)
}

// Closes returns the number of Close calls. Thread-safe.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCount
}
