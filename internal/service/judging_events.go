package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/judgedispatch/internal/observability"
)

const eventBufferSize = 32

// Event types carried on the judging event stream.
const (
	EventJudgingFinalized    = "judging.finalized"
	EventInternalErrorRaised = "internal_error"
)

// JudgingFinalizedEvent announces that a judging received its verdict.
type JudgingFinalizedEvent struct {
	JudgingID    uint      `json:"judging_id"`
	SubmissionID uint      `json:"submission_id"`
	ContestID    uint      `json:"contest_id"`
	TeamID       *uint     `json:"team_id,omitempty"`
	ProblemID    uint      `json:"problem_id"`
	Result       string    `json:"result"`
	Score        *float64  `json:"score,omitempty"`
	Valid        bool      `json:"valid"`
	RejudgingID  *uint     `json:"rejudging_id,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// InternalErrorEvent announces a newly raised internal error.
type InternalErrorEvent struct {
	ID           uint      `json:"id"`
	JudgingID    *uint     `json:"judging_id,omitempty"`
	JudgehostID  *uint     `json:"judgehost_id,omitempty"`
	Description  string    `json:"description"`
	DisabledKind string    `json:"disabled_kind"`
	DisabledID   uint      `json:"disabled_id"`
	RaisedAt     time.Time `json:"raised_at"`
}

// Event is the envelope streamed to subscribers and shared between nodes.
type Event struct {
	Source        string                 `json:"source"`
	Type          string                 `json:"type"`
	Judging       *JudgingFinalizedEvent `json:"judging,omitempty"`
	InternalError *InternalErrorEvent    `json:"internal_error,omitempty"`
	SentAt        time.Time              `json:"sent_at"`
}

// EventPublisher distributes judging outcomes to scoreboard caches, other nodes and live subscribers.
// Delivery is best effort and never fails the operation that produced the event.
type EventPublisher interface {
	JudgingFinalized(ctx context.Context, event JudgingFinalizedEvent)
	InternalErrorRaised(ctx context.Context, event InternalErrorEvent)
	Subscribe() (<-chan Event, func())
	Start(ctx context.Context)
}

type eventPublisher struct {
	redis            *redis.Client
	redisChannel     string
	nats             *nats.Conn
	natsSubject      string
	scoreboardPrefix string
	logger           zerolog.Logger
	broker           *eventBroker
	nodeID           string
}

type eventBroker struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewEventPublisher constructs the event publisher. Redis and NATS are optional.
func NewEventPublisher(redisClient *redis.Client, natsConn *nats.Conn, channelBase, scoreboardPrefix string, logger zerolog.Logger) EventPublisher {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":events"
		subject = strings.ReplaceAll(channelBase, ":", ".")
	}

	return &eventPublisher{
		redis:            redisClient,
		redisChannel:     channel,
		nats:             natsConn,
		natsSubject:      subject,
		scoreboardPrefix: scoreboardPrefix,
		logger:           logger.With().Str("component", "judging_events").Logger(),
		broker:           &eventBroker{subscribers: make(map[chan Event]struct{})},
		nodeID:           uuid.NewString(),
	}
}

func (p *eventPublisher) Start(ctx context.Context) {
	if p.redis != nil && p.redisChannel != "" {
		go p.consumeRedis(ctx)
		return
	}
	if p.nats != nil && p.natsSubject != "" {
		go p.consumeNATS(ctx)
	}
}

func (p *eventPublisher) JudgingFinalized(ctx context.Context, event JudgingFinalizedEvent) {
	observability.JudgingsFinalized().WithLabelValues(event.Result).Inc()

	if p.redis != nil && event.TeamID != nil && event.Valid {
		key := p.scoreboardKey(event.ContestID, *event.TeamID, event.ProblemID)
		if err := p.redis.Del(ctx, key).Err(); err != nil {
			p.logger.Warn().Err(err).Str("key", key).Msg("failed to invalidate scoreboard cache")
		}
	}

	p.emit(ctx, Event{Type: EventJudgingFinalized, Judging: &event})
}

func (p *eventPublisher) InternalErrorRaised(ctx context.Context, event InternalErrorEvent) {
	observability.InternalErrors().WithLabelValues(event.DisabledKind).Inc()
	p.emit(ctx, Event{Type: EventInternalErrorRaised, InternalError: &event})
}

func (p *eventPublisher) Subscribe() (<-chan Event, func()) {
	channel := make(chan Event, eventBufferSize)
	p.broker.subscribe(channel)
	observability.EventSubscribers().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			p.broker.unsubscribe(channel)
			observability.EventSubscribers().Dec()
		})
	}
	return channel, cleanup
}

func (p *eventPublisher) scoreboardKey(contestID, teamID, problemID uint) string {
	return fmt.Sprintf("%s:contest:%d:team:%d:problem:%d", p.scoreboardPrefix, contestID, teamID, problemID)
}

func (p *eventPublisher) emit(ctx context.Context, event Event) {
	event.Source = p.nodeID
	event.SentAt = time.Now().UTC()

	p.broker.broadcast(event)
	if err := p.publish(ctx, event); err != nil {
		p.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to publish judging event")
	}
}

func (p *eventPublisher) publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if p.redis != nil && p.redisChannel != "" {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if p.nats != nil && p.natsSubject != "" {
		if err := p.nats.Publish(p.natsSubject+"."+event.Type, payload); err != nil {
			return err
		}
	}

	return nil
}

func (p *eventPublisher) consumeRedis(ctx context.Context) {
	pubsub := p.redis.Subscribe(ctx, p.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			p.logger.Error().Err(err).Msg("judging event redis subscription closed")
			return
		}
		p.handleEvent([]byte(msg.Payload))
	}
}

func (p *eventPublisher) consumeNATS(ctx context.Context) {
	sub, err := p.nats.Subscribe(p.natsSubject+".>", func(msg *nats.Msg) {
		p.handleEvent(msg.Data)
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to subscribe to judging event subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to drain judging event subscription")
		}
	}()
}

func (p *eventPublisher) handleEvent(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		p.logger.Warn().Err(err).Msg("invalid judging event payload")
		return
	}

	if event.Source == p.nodeID {
		return
	}
	p.broker.broadcast(event)
}

func (b *eventBroker) subscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[ch] = struct{}{}
}

func (b *eventBroker) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *eventBroker) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
