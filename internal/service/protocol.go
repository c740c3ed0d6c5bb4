package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	otelx "github.com/hivegrid/hivegrid/internal/adapter/otel"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/domain"
	"github.com/hivegrid/hivegrid/internal/domain/message"
	"github.com/hivegrid/hivegrid/internal/port/cache"
	"github.com/hivegrid/hivegrid/internal/port/transport"
	"github.com/hivegrid/hivegrid/internal/resilience"
)

// ErrProtocolStopped is returned for requests still pending when the
// protocol shuts down.
var ErrProtocolStopped = errors.New("protocol stopped")

// MessageHandler processes inbound application messages. Handlers are
// consulted in registration order; the first whose CanHandle returns
// true owns the message. A non-nil returned content map is sent back
// as a response to request messages.
type MessageHandler interface {
	CanHandle(msg *message.Message) bool
	Handle(ctx context.Context, msg *message.Message) (map[string]any, error)
}

type handlerFunc struct {
	match func(*message.Message) bool
	fn    func(context.Context, *message.Message) (map[string]any, error)
}

func (h handlerFunc) CanHandle(m *message.Message) bool { return h.match(m) }
func (h handlerFunc) Handle(ctx context.Context, m *message.Message) (map[string]any, error) {
	return h.fn(ctx, m)
}

// HandlerOf builds a MessageHandler from two funcs.
func HandlerOf(match func(*message.Message) bool, fn func(context.Context, *message.Message) (map[string]any, error)) MessageHandler {
	return handlerFunc{match: match, fn: fn}
}

// ProtocolStats are cumulative counters since construction.
type ProtocolStats struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
	Dropped  int `json:"dropped"`
}

// Protocol is one agent's communication endpoint. It signs outbound
// messages, routes them to transport addresses, and feeds verified,
// deduplicated inbound messages through a bounded priority mailbox to
// registered handlers. Requests block on a correlated response.
type Protocol struct {
	agentID  string
	cfg      config.Comm
	router   *Router
	security *SecurityManager
	trans    transport.Transport
	dedupe   cache.Cache
	breaker  *resilience.Breaker
	sem      *semaphore.Weighted
	mailbox  *Mailbox
	metrics  *otelx.Metrics

	mu        sync.Mutex
	pending   map[string]chan *message.Message // correlation id -> response slot
	handlers  []MessageHandler
	connected map[string]time.Time // peer id -> last heartbeat
	stats     ProtocolStats

	wake   chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group
	unsub  func()

	now func() time.Time // for testing
}

// NewProtocol builds an endpoint for agentID. The router must already
// map agentID to the transport address passed to Attach.
func NewProtocol(agentID string, cfg config.Comm, router *Router, security *SecurityManager,
	trans transport.Transport, dedupe cache.Cache, breaker *resilience.Breaker, metrics *otelx.Metrics) *Protocol {
	return &Protocol{
		agentID:   agentID,
		cfg:       cfg,
		router:    router,
		security:  security,
		trans:     trans,
		dedupe:    dedupe,
		breaker:   breaker,
		sem:       semaphore.NewWeighted(cfg.DeliveryParallel),
		mailbox:   NewMailbox(cfg.MailboxSize),
		metrics:   metrics,
		pending:   make(map[string]chan *message.Message),
		connected: make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// RegisterHandler appends a handler. Order of registration is the
// order of consultation.
func (p *Protocol) RegisterHandler(h MessageHandler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// Attach subscribes to this agent's transport address and starts the
// processing and heartbeat loops.
func (p *Protocol) Attach(ctx context.Context, address string) error {
	unsub, err := p.trans.Subscribe(ctx, address, p.Receive)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", address, err)
	}
	p.unsub = unsub

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.group.Go(func() error { return p.process(ctx) })
	p.group.Go(func() error { return p.heartbeatLoop(ctx) })
	slog.Info("protocol attached", "agent_id", p.agentID, "address", address)
	return nil
}

// Stop cancels the loops and fails every pending request.
func (p *Protocol) Stop() {
	if p.cancel != nil {
		p.cancel()
		_ = p.group.Wait()
	}
	if p.unsub != nil {
		p.unsub()
	}

	p.mu.Lock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()
	slog.Info("protocol stopped", "agent_id", p.agentID)
}

// Request sends a request message and blocks until the correlated
// response arrives, the timeout elapses, the context is cancelled, or
// the protocol stops. A zero timeout uses the configured default.
func (p *Protocol) Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if timeout <= 0 {
		timeout = p.cfg.RequestTimeout
	}
	msg.Kind = message.KindRequest
	msg.SenderID = p.agentID

	slot := make(chan *message.Message, 1)
	p.mu.Lock()
	p.pending[msg.ID] = slot
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, msg.ID)
		p.mu.Unlock()
	}()

	if err := p.Send(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-slot:
		if !ok {
			return nil, fmt.Errorf("request %s: %w", msg.ID, ErrProtocolStopped)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s: %w", msg.ID, domain.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send signs, routes, and delivers a message without waiting for any
// reply. Deliveries fan out in parallel, bounded by the configured
// width, each guarded by the shared circuit breaker.
func (p *Protocol) Send(ctx context.Context, msg *message.Message) error {
	if msg.SenderID == "" {
		msg.SenderID = p.agentID
	}
	if err := p.security.Sign(msg); err != nil {
		return fmt.Errorf("sign message %s: %w", msg.ID, err)
	}

	addrs, err := p.router.Route(msg)
	if err != nil {
		return err
	}
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		if err := p.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			return p.breaker.Execute(func() error {
				return p.trans.Deliver(gctx, addr, payload)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("deliver message %s: %w", msg.ID, err)
	}

	p.mu.Lock()
	p.stats.Sent++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.MessagesSent.Add(ctx, int64(len(addrs)))
	}
	return nil
}

// Broadcast sends a message to every registered agent except the sender.
func (p *Protocol) Broadcast(ctx context.Context, msg *message.Message) error {
	msg.ReceiverID = message.Wildcard
	msg.DeliveryMode = message.ModeBroadcast
	return p.Send(ctx, msg)
}

// Receive is the transport inbound hook. It admits the raw payload
// into the mailbox after verification, deduplication, and expiry
// checks; anything that fails those is dropped without a response.
func (p *Protocol) Receive(ctx context.Context, data []byte) {
	msg, err := message.Unmarshal(data)
	if err != nil {
		p.drop(ctx, "unparseable", "", err)
		return
	}
	if err := p.security.Verify(msg); err != nil {
		p.drop(ctx, "bad signature", msg.ID, err)
		return
	}

	key := "dedupe:" + msg.ID
	if _, seen, _ := p.dedupe.Get(ctx, key); seen {
		p.drop(ctx, "duplicate", msg.ID, nil)
		return
	}
	_ = p.dedupe.Set(ctx, key, []byte{1}, 0)

	if msg.Expired(p.now()) {
		p.drop(ctx, "expired", msg.ID, nil)
		return
	}

	if evicted := p.mailbox.Enqueue(msg); evicted {
		p.mu.Lock()
		p.stats.Dropped++
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.MessagesDropped.Add(ctx, 1)
		}
	}
	p.mu.Lock()
	p.stats.Received++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.MessagesReceived.Add(ctx, 1)
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Protocol) drop(ctx context.Context, reason, msgID string, err error) {
	p.mu.Lock()
	p.stats.Dropped++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.MessagesDropped.Add(ctx, 1)
	}
	slog.Warn("message dropped", "agent_id", p.agentID, "reason", reason, "message_id", msgID, "error", err)
}

// process drains the mailbox in priority order whenever woken.
func (p *Protocol) process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		}
		for {
			msg := p.mailbox.Dequeue()
			if msg == nil {
				break
			}
			p.dispatch(ctx, msg)
		}
	}
}

// dispatch handles one verified inbound message.
func (p *Protocol) dispatch(ctx context.Context, msg *message.Message) {
	switch msg.Kind {
	case message.KindResponse:
		p.mu.Lock()
		slot, ok := p.pending[msg.CorrelationID]
		if ok {
			delete(p.pending, msg.CorrelationID)
		}
		p.mu.Unlock()
		if ok {
			slot <- msg
		} else {
			slog.Debug("uncorrelated response", "agent_id", p.agentID, "correlation_id", msg.CorrelationID)
		}

	case message.KindHeartbeat:
		p.mu.Lock()
		p.connected[msg.SenderID] = p.now()
		p.mu.Unlock()
		if reply, _ := msg.Content["reply"].(bool); !reply {
			p.replyHeartbeat(ctx, msg.SenderID)
		}

	case message.KindHandshake:
		p.mu.Lock()
		p.connected[msg.SenderID] = p.now()
		p.mu.Unlock()

	case message.KindRequest:
		p.handleRequest(ctx, msg)

	default:
		if h := p.handlerFor(msg); h != nil {
			if _, err := h.Handle(ctx, msg); err != nil {
				slog.Error("handler failed", "agent_id", p.agentID, "message_id", msg.ID, "error", err)
			}
			return
		}
		slog.Debug("unhandled message", "agent_id", p.agentID, "type", msg.Kind, "message_id", msg.ID)
	}
}

func (p *Protocol) handleRequest(ctx context.Context, msg *message.Message) {
	content := map[string]any{"status": "received"}
	if h := p.handlerFor(msg); h != nil {
		out, err := h.Handle(ctx, msg)
		if err != nil {
			content = map[string]any{"status": "error", "error": err.Error()}
		} else if out != nil {
			content = out
		}
	}

	resp := message.New(p.agentID, msg.SenderID, message.KindResponse)
	resp.CorrelationID = msg.ID
	resp.Priority = msg.Priority
	resp.Content = content
	if err := p.Send(ctx, resp); err != nil {
		slog.Error("response delivery failed", "agent_id", p.agentID, "request_id", msg.ID, "error", err)
	}
}

func (p *Protocol) handlerFor(msg *message.Message) MessageHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.handlers {
		if h.CanHandle(msg) {
			return h
		}
	}
	return nil
}

// heartbeatLoop broadcasts a heartbeat on the configured cadence so
// peers can track liveness.
func (p *Protocol) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hb := message.New(p.agentID, message.Wildcard, message.KindHeartbeat)
			hb.DeliveryMode = message.ModeBroadcast
			hb.Priority = message.PriorityLow
			hb.Content = map[string]any{"status": "alive"}
			if err := p.Send(ctx, hb); err != nil {
				slog.Warn("heartbeat delivery failed", "agent_id", p.agentID, "error", err)
			}
		}
	}
}

func (p *Protocol) replyHeartbeat(ctx context.Context, peer string) {
	hb := message.New(p.agentID, peer, message.KindHeartbeat)
	hb.Priority = message.PriorityLow
	hb.Content = map[string]any{"status": "alive", "reply": true}
	if err := p.Send(ctx, hb); err != nil {
		slog.Warn("heartbeat reply failed", "agent_id", p.agentID, "peer", peer, "error", err)
	}
}

// ConnectedPeers lists peers heard from via heartbeat or handshake.
func (p *Protocol) ConnectedPeers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.connected))
	for id := range p.connected {
		out = append(out, id)
	}
	return out
}

// Stats returns cumulative counters plus mailbox occupancy.
func (p *Protocol) Stats() ProtocolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// MailboxLen reports how many inbound messages await processing.
func (p *Protocol) MailboxLen() int { return p.mailbox.Len() }
