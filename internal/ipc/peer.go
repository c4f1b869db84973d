package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Message is a decoded request or notification delivered to a Handler.
type Message struct {
	Seq         uint64
	Op          Op
	Correlation string
	Notify      bool
	Payload     json.RawMessage
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w: %v", m.Op, ErrInvalidRequest, err)
	}
	return nil
}

// Handler serves requests and notifications from the remote side. The
// returned value becomes the response payload; it is ignored for
// notifications.
type Handler interface {
	HandleIPC(ctx context.Context, msg *Message) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (any, error)

func (f HandlerFunc) HandleIPC(ctx context.Context, msg *Message) (any, error) {
	return f(ctx, msg)
}

// CallObserver is invoked after every outbound Call.
type CallObserver func(op Op, elapsed time.Duration, err error)

// Option configures a Peer.
type Option func(*Peer)

// WithLogger sets the logger used for dispatch failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Peer) { p.log = logger }
}

// WithLimits overrides the frame limits.
func WithLimits(limits Limits) Option {
	return func(p *Peer) { p.limits = limits }
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Peer) { p.writeTimeout = d }
}

// WithCallObserver registers an observer for outbound calls.
func WithCallObserver(fn CallObserver) Option {
	return func(p *Peer) { p.observe = fn }
}

// Peer is one end of the channel. Requests received for one correlation id
// are handled one at a time in arrival order; different correlation ids are
// handled concurrently.
type Peer struct {
	conn         net.Conn
	reader       *bufio.Reader
	limits       Limits
	writeTimeout time.Duration
	log          zerolog.Logger
	observe      CallObserver

	wmu     sync.Mutex
	nextSeq uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	queues  map[string][]*Message
	workers sync.WaitGroup

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewPeer wraps conn.
func NewPeer(conn net.Conn, opts ...Option) *Peer {
	p := &Peer{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		limits:       DefaultLimits(),
		writeTimeout: 10 * time.Second,
		log:          zerolog.Nop(),
		pending:      make(map[uint64]chan Frame),
		queues:       make(map[string][]*Message),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Done is closed once the channel is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns why the channel closed. It wraps ErrDisconnected.
func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Close shuts the channel down.
func (p *Peer) Close() error {
	p.fail(nil)
	return nil
}

func (p *Peer) fail(cause error) {
	p.closeOnce.Do(func() {
		if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
			p.err = ErrDisconnected
		} else {
			p.err = fmt.Errorf("%w: %v", ErrDisconnected, cause)
		}
		_ = p.conn.Close()
		close(p.done)
	})
}

// Run reads frames until the channel closes or ctx ends, dispatching
// requests to h. It returns once every in-flight handler has finished.
func (p *Peer) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { p.fail(ctx.Err()) })
	defer stop()

	for {
		f, err := ReadFrame(p.reader, p.limits)
		if err != nil {
			p.fail(err)
			break
		}
		if f.IsResponse() {
			p.deliver(f)
			continue
		}
		p.enqueue(ctx, h, &Message{
			Seq:         f.Header.Seq,
			Op:          f.Header.Op,
			Correlation: f.Correlation,
			Notify:      f.IsNotify(),
			Payload:     f.Payload,
		})
	}
	p.workers.Wait()
	return p.err
}

func (p *Peer) deliver(f Frame) {
	p.mu.Lock()
	ch, ok := p.pending[f.Header.ReplyTo]
	delete(p.pending, f.Header.ReplyTo)
	p.mu.Unlock()
	if !ok {
		p.log.Debug().Uint64("reply_to", f.Header.ReplyTo).Msg("dropping response without caller")
		return
	}
	ch <- f
}

// enqueue appends msg to its correlation queue and starts a worker when
// none is draining that queue. Presence in queues marks a running worker.
func (p *Peer) enqueue(ctx context.Context, h Handler, msg *Message) {
	p.mu.Lock()
	queue, running := p.queues[msg.Correlation]
	p.queues[msg.Correlation] = append(queue, msg)
	p.mu.Unlock()
	if running {
		return
	}
	p.workers.Add(1)
	go p.drain(ctx, h, msg.Correlation)
}

func (p *Peer) drain(ctx context.Context, h Handler, correlation string) {
	defer p.workers.Done()
	for {
		p.mu.Lock()
		queue := p.queues[correlation]
		if len(queue) == 0 {
			delete(p.queues, correlation)
			p.mu.Unlock()
			return
		}
		msg := queue[0]
		queue[0] = nil
		p.queues[correlation] = queue[1:]
		p.mu.Unlock()

		p.handle(ctx, h, msg)
	}
}

func (p *Peer) handle(ctx context.Context, h Handler, msg *Message) {
	resp, err := h.HandleIPC(ctx, msg)
	if msg.Notify {
		if err != nil {
			p.log.Warn().Err(err).Str("op", msg.Op.String()).Str("correlation", msg.Correlation).Msg("notification handler failed")
		}
		return
	}

	out := Frame{Header: Header{ReplyTo: msg.Seq, Op: msg.Op, Flags: FlagResponse}, Correlation: msg.Correlation}
	if err != nil {
		out.Header.Flags |= FlagError
		resp = EncodeError(err)
	} else if resp == nil {
		resp = Ack{}
	}
	payload, mErr := json.Marshal(resp)
	if mErr != nil {
		out.Header.Flags |= FlagError
		payload, _ = json.Marshal(ErrorPayload{Code: CodeInternal, Message: mErr.Error()})
	}
	out.Payload = payload
	if _, err := p.send(out, nil); err != nil {
		p.log.Debug().Err(err).Str("op", msg.Op.String()).Msg("response not delivered")
	}
}

// send assigns the next sequence number and writes f. register runs with
// the sequence number before the frame hits the wire.
func (p *Peer) send(f Frame, register func(seq uint64)) (uint64, error) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	select {
	case <-p.done:
		return 0, p.err
	default:
	}
	p.nextSeq++
	f.Header.Seq = p.nextSeq
	if register != nil {
		register(f.Header.Seq)
	}
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	if err := WriteFrame(p.conn, f, p.limits); err != nil {
		if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrCorrelationTooLarge) {
			return 0, err
		}
		p.fail(err)
		return 0, p.err
	}
	return f.Header.Seq, nil
}

// Call sends a request and waits for its response, decoding it into resp
// when resp is non-nil. Remote failures come back as the sentinels of this
// package.
func (p *Peer) Call(ctx context.Context, op Op, correlation string, req, resp any) (err error) {
	if p.observe != nil {
		start := time.Now()
		defer func() { p.observe(op, time.Since(start), err) }()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	reply := make(chan Frame, 1)
	seq, err := p.send(Frame{
		Header:      Header{Op: op},
		Correlation: correlation,
		Payload:     payload,
	}, func(seq uint64) {
		p.mu.Lock()
		p.pending[seq] = reply
		p.mu.Unlock()
	})
	if err != nil {
		return err
	}

	select {
	case f := <-reply:
		if f.IsError() {
			var body ErrorPayload
			if err := json.Unmarshal(f.Payload, &body); err != nil {
				return fmt.Errorf("decode %s error response: %w", op, err)
			}
			return DecodeError(body)
		}
		if resp == nil {
			return nil
		}
		if err := json.Unmarshal(f.Payload, resp); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		p.forget(seq)
		return ctx.Err()
	case <-p.done:
		p.forget(seq)
		return p.err
	}
}

func (p *Peer) forget(seq uint64) {
	p.mu.Lock()
	delete(p.pending, seq)
	p.mu.Unlock()
}

// Notify sends a message that expects no response.
func (p *Peer) Notify(op Op, correlation string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", op, err)
	}
	_, err = p.send(Frame{
		Header:      Header{Op: op, Flags: FlagNotify},
		Correlation: correlation,
		Payload:     body,
	}, nil)
	return err
}
