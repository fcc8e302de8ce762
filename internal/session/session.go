// Package session implements the per-connection state machine (C5) and the
// codec/dispatcher (C6) that turns parsed requests into broker operations.
//
// Per the spec's design notes (§9 "Per-connection shared state"), the
// reader and writer never share mutable state beyond the outbound byte
// stream: the reader mutates subs under Session's own mutex only to decide
// which drain goroutines to start or stop, and each subscription's drain
// goroutine is the only thing that ever reads that subscription's queue —
// a single-writer-per-queue discipline mirroring
// go-server/pkg/websocket/hub.go's one-channel-per-client pattern.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tanmay-xvx/inmem-pubsub/internal/admission"
	"github.com/tanmay-xvx/inmem-pubsub/internal/broker"
	"github.com/tanmay-xvx/inmem-pubsub/internal/metrics"
	"github.com/tanmay-xvx/inmem-pubsub/internal/protocol"
)

// State is the session's lifecycle state (spec §4.5).
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// Config bounds what a single session may do.
type Config struct {
	MaxSubscriptions int
	MaxPayloadBytes  int

	// PublishRatePerSecond caps how often this session's publish requests
	// are admitted (spec §5, "per session" resource bound). <= 0 falls
	// back to admission.NewLimiter's own default.
	PublishRatePerSecond float64
}

type subEntry struct {
	sub    *broker.Subscription
	cancel context.CancelFunc
}

// Session is per-connection broker-facing state: identity, live
// subscriptions, and the single outbound byte stream the transport layer
// writes to the wire.
type Session struct {
	id       string
	registry *broker.Registry
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Registry

	publishLimiter *rate.Limiter

	mu     sync.Mutex
	subs   map[string]*subEntry // topic name -> entry
	closed bool

	writeCh chan []byte
	done    chan struct{}
	drains  conc.WaitGroup // one goroutine per live subscription, see drain
}

// New creates a session bound to registry and immediately queues the
// unsolicited "connected" frame. metricsRegistry may be nil in tests that
// don't care about Prometheus wiring.
func New(id string, registry *broker.Registry, cfg Config, logger *zap.Logger, metricsRegistry *metrics.Registry) *Session {
	s := &Session{
		id:             id,
		registry:       registry,
		cfg:            cfg,
		logger:         logger,
		metrics:        metricsRegistry,
		publishLimiter: admission.NewLimiter(cfg.PublishRatePerSecond),
		subs:           make(map[string]*subEntry),
		writeCh:        make(chan []byte, 256),
		done:           make(chan struct{}),
	}
	s.enqueueFrame(protocol.NewConnected(id))
	return s
}

// ID returns the broker-assigned session id.
func (s *Session) ID() string { return s.id }

// Outbound exposes the single stream the transport write pump drains.
func (s *Session) Outbound() <-chan []byte { return s.writeCh }

// HandleFrame parses and dispatches one inbound frame. It never returns an
// error for malformed input — malformed input produces an error frame on
// the outbound stream and the session stays OPEN (spec §4.6).
//
// HandleFrame must not be called concurrently with, or after, Close: Close
// closes the outbound stream, and a later frame would be sent on it.
func (s *Session) HandleFrame(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.enqueueFrame(protocol.NewError("", string(broker.CodeBadFrame), err.Error()))
		return
	}

	switch env.Type {
	case protocol.TypeSubscribe:
		s.handleSubscribe(raw, env.RequestID)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(raw, env.RequestID)
	case protocol.TypePublish:
		s.handlePublish(raw, env.RequestID)
	case protocol.TypePing:
		s.enqueueFrame(protocol.NewPong(env.RequestID))
	default:
		s.enqueueFrame(protocol.NewError(env.RequestID, string(broker.CodeInvalidType), env.Type))
	}
}

func (s *Session) handleSubscribe(raw []byte, requestID string) {
	var req protocol.SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeBadFrame), err.Error()))
		return
	}
	if req.Topic == "" {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeInvalidArgument), "topic"))
		return
	}
	if req.ClientID == "" {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeInvalidArgument), "client_id"))
		return
	}
	if req.LastN < 0 {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeInvalidArgument), "last_n"))
		return
	}

	topic, ok := s.registry.Lookup(req.Topic)
	if !ok {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeTopicNotFound), req.Topic))
		return
	}

	s.mu.Lock()
	if existing, ok := s.subs[req.Topic]; ok && existing.sub.ClientID != req.ClientID {
		existing.cancel()
		topic.Unsubscribe(existing.sub.ClientID)
		delete(s.subs, req.Topic)
	} else if ok {
		// Same (topic, client-id): idempotent, nothing new to start.
		s.mu.Unlock()
		s.enqueueFrame(protocol.NewAck(requestID, nil))
		return
	}
	if len(s.subs) >= s.cfg.MaxSubscriptions && s.cfg.MaxSubscriptions > 0 {
		s.mu.Unlock()
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeTooManySubscriptions), fmt.Sprintf("limit is %d", s.cfg.MaxSubscriptions)))
		return
	}
	s.mu.Unlock()

	sub, _, err := topic.Subscribe(req.ClientID, req.LastN)
	if err != nil {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeOf(err)), req.Topic))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		topic.Unsubscribe(req.ClientID)
		return
	}
	s.subs[req.Topic] = &subEntry{sub: sub, cancel: cancel}
	s.mu.Unlock()

	s.drains.Go(func() { s.drain(ctx, req.Topic, sub) })
	s.syncSubscriptionsMetric()

	s.enqueueFrame(protocol.NewAck(requestID, nil))
}

func (s *Session) handleUnsubscribe(raw []byte, requestID string) {
	var req protocol.UnsubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeBadFrame), err.Error()))
		return
	}
	if req.Topic == "" {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeInvalidArgument), "topic"))
		return
	}
	if req.ClientID == "" {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeInvalidArgument), "client_id"))
		return
	}

	if topic, ok := s.registry.Lookup(req.Topic); ok {
		topic.Unsubscribe(req.ClientID)
	}

	s.mu.Lock()
	if entry, ok := s.subs[req.Topic]; ok && entry.sub.ClientID == req.ClientID {
		entry.cancel()
		delete(s.subs, req.Topic)
	}
	s.mu.Unlock()
	s.syncSubscriptionsMetric()

	s.enqueueFrame(protocol.NewAck(requestID, nil))
}

func (s *Session) handlePublish(raw []byte, requestID string) {
	var req protocol.PublishRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeBadFrame), err.Error()))
		return
	}
	if req.Topic == "" {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeInvalidArgument), "topic"))
		return
	}
	if len(req.Message.Payload) == 0 {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeInvalidArgument), "message.payload"))
		return
	}
	if s.cfg.MaxPayloadBytes > 0 && len(req.Message.Payload) > s.cfg.MaxPayloadBytes {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodePayloadTooLarge), req.Topic))
		return
	}
	if !s.publishLimiter.Allow() {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeTooManyRequests), "publish rate exceeded"))
		return
	}

	seq, _, err := s.registry.Publish(req.Topic, broker.Message{
		ID:      req.Message.ID,
		Payload: req.Message.Payload,
	})
	if err != nil {
		s.enqueueFrame(protocol.NewError(requestID, string(broker.CodeOf(err)), req.Topic))
		return
	}
	if s.metrics != nil {
		s.metrics.MessagesPublished.Inc()
	}
	s.enqueueFrame(protocol.NewAck(requestID, &seq))
}

// drain is the single reader of one subscription's delivery queue. It
// exits, closing nothing else down, the moment the queue reports closed —
// that silence is the subscription-end notification the writer observes,
// per the spec's message-passing design note.
func (s *Session) drain(ctx context.Context, topicName string, sub *broker.Subscription) {
	var lastDropped uint64
	for {
		m, ok := sub.Queue.Next(ctx)
		if !ok {
			s.forgetTopic(topicName, sub)
			return
		}

		dropped := sub.Queue.Dropped()
		delta := dropped - lastDropped
		lastDropped = dropped

		if s.metrics != nil {
			s.metrics.MessagesDelivered.Inc()
			if delta > 0 {
				s.metrics.MessagesDropped.Add(float64(delta))
			}
		}

		evt := protocol.Event{
			Type:  protocol.TypeEvent,
			Topic: topicName,
			Message: protocol.EventMessage{
				ID:        m.ID,
				Payload:   m.Payload,
				Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
				Seq:       m.Seq,
			},
			Dropped: delta,
		}
		s.enqueueFrame(evt)
	}
}

func (s *Session) forgetTopic(topicName string, sub *broker.Subscription) {
	s.mu.Lock()
	if entry, ok := s.subs[topicName]; ok && entry.sub == sub {
		delete(s.subs, topicName)
	}
	s.mu.Unlock()
	s.syncSubscriptionsMetric()
}

// syncSubscriptionsMetric refreshes the Subscriptions gauge from the
// registry's own topic list, the source of truth for what's actually
// live, rather than tracking a separate counter that could drift from it.
func (s *Session) syncSubscriptionsMetric() {
	if s.metrics == nil {
		return
	}
	var total int
	for _, info := range s.registry.List() {
		total += info.SubscriberCount
	}
	s.metrics.Subscriptions.Set(float64(total))
}

func (s *Session) enqueueFrame(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("failed to marshal outbound frame", zap.Error(err))
		}
		return
	}
	select {
	case s.writeCh <- b:
	case <-s.done:
	}
}

// Close tears the session down: every subscription this session created is
// removed from its topic, all drain goroutines stop, and the outbound
// stream is closed once drained.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := make([]*subEntry, 0, len(s.subs))
	topics := make([]string, 0, len(s.subs))
	for topicName, entry := range s.subs {
		entries = append(entries, entry)
		topics = append(topics, topicName)
	}
	s.subs = make(map[string]*subEntry)
	s.mu.Unlock()

	close(s.done)
	for i, entry := range entries {
		entry.cancel()
		if topic, ok := s.registry.Lookup(topics[i]); ok {
			topic.Unsubscribe(entry.sub.ClientID)
		}
	}
	s.drains.Wait()
	s.syncSubscriptionsMetric()
	close(s.writeCh)
}
