package qsys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

type response struct {
	result json.RawMessage
	err    *RPCError
}

// notifyFunc handles a server-initiated message.
type notifyFunc func(method string, params json.RawMessage)

// session is one logged-on connection: a transport, a reader goroutine and
// the table of calls awaiting replies. It is discarded on disconnect.
type session struct {
	transport Transport
	notify    notifyFunc
	logger    Logger
	stats     *clientStats

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan response

	closed   *closeOnce
	closeErr error
	reader   sync.WaitGroup
}

func newSession(t Transport, notify notifyFunc, logger Logger, stats *clientStats) *session {
	s := &session{
		transport: t,
		notify:    notify,
		logger:    logger,
		stats:     stats,
		pending:   make(map[int64]chan response),
		closed:    newCloseOnce(),
	}
	s.reader.Add(1)
	go s.readLoop()
	return s
}

// call sends a request and waits for the reply with the same id.
// Replies may arrive in any order.
func (s *session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan response, 1)

	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	data, err := json.Marshal(request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("encoding %s: %w", method, err)
	}

	if err := s.transport.WriteMessage(data); err != nil {
		s.forget(id)
		s.close(err)
		return nil, fmt.Errorf("%w: writing %s: %w", ErrSessionClosed, method, err)
	}
	s.stats.framesTx.Add(1)

	select {
	case resp := <-ch:
		if resp.err != nil {
			resp.err.Method = method
			return nil, resp.err
		}
		return resp.result, nil
	case <-ctx.Done():
		s.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
		}
		return nil, ctx.Err()
	case <-s.closed.Done():
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, method)
	}
}

func (s *session) forget(id int64) {
	s.mu.Lock()
	if s.pending != nil {
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

// readLoop dispatches replies and notifications until the transport fails.
func (s *session) readLoop() {
	defer s.reader.Done()

	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			s.close(err)
			return
		}
		s.stats.framesRx.Add(1)

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// One bad frame does not poison the stream; the delimiter
			// already resynchronised us.
			s.stats.malformed.Add(1)
			s.logger.Warn("invalid JSON frame from device", "error", err, "bytes", len(data))
			continue
		}

		if env.isNotification() {
			s.notify(env.Method, env.Params)
			continue
		}

		id, ok := env.numericID()
		if !ok {
			s.logger.Debug("reply without usable id ignored")
			continue
		}

		s.mu.Lock()
		ch, found := s.pending[id]
		if found {
			delete(s.pending, id)
		}
		s.mu.Unlock()

		if !found {
			s.logger.Debug("reply for unknown request ignored", "id", id)
			continue
		}
		ch <- response{result: env.Result, err: env.Error}
	}
}

// close ends the session once. Pending calls observe closed and fail with
// ErrSessionClosed.
func (s *session) close(cause error) {
	s.closed.once.Do(func() {
		s.mu.Lock()
		s.pending = nil
		s.closeErr = cause
		s.mu.Unlock()

		s.transport.Close() //nolint:errcheck // the session is gone either way
		close(s.closed.ch)
	})
}

// wait blocks until the reader goroutine has exited.
func (s *session) wait() {
	s.reader.Wait()
}

func (s *session) done() <-chan struct{} {
	return s.closed.Done()
}

// err returns the reason the session ended, with ordinary socket closure
// folded into ErrSessionClosed.
func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closeErr == nil:
		return ErrSessionClosed
	case errors.Is(s.closeErr, io.EOF), errors.Is(s.closeErr, net.ErrClosed):
		return fmt.Errorf("%w: %w", ErrSessionClosed, s.closeErr)
	default:
		return s.closeErr
	}
}
