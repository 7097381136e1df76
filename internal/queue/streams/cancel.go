package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// CancelRequest asks every instance to cancel a task it is running.
type CancelRequest struct {
	TaskID      string `json:"task_id"`
	RequestedBy string `json:"requested_by,omitempty"`
	Origin      string `json:"origin,omitempty"`
}

// CancelBus fans cancel requests out over Redis pub/sub.
type CancelBus struct {
	client   redis.UniversalClient
	registry *SchemaRegistry
	channel  string
	origin   string
	logger   *log.Logger
}

// NewCancelBus builds a bus on channel. origin identifies this instance so
// its own requests can be told apart.
func NewCancelBus(client redis.UniversalClient, registry *SchemaRegistry, channel, origin string, logger *log.Logger) *CancelBus {
	if channel == "" {
		channel = "agentcore.cancel"
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STREAMS] ", log.LstdFlags)
	}
	return &CancelBus{client: client, registry: registry, channel: channel, origin: origin, logger: logger}
}

// Origin returns the identifier stamped on requests from this instance.
func (b *CancelBus) Origin() string { return b.origin }

// Publish broadcasts a cancel request.
func (b *CancelBus) Publish(ctx context.Context, taskID, requestedBy string) error {
	env, err := NewEnvelope(EventTaskCancel, VersionV1, taskID, CancelRequest{TaskID: taskID, RequestedBy: requestedBy, Origin: b.origin})
	if err != nil {
		return err
	}
	if b.registry != nil {
		if err := b.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return err
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	recordCancel(ctx, "published")
	return nil
}

// Listen delivers cancel requests to fn until ctx ends. Malformed messages
// are logged and dropped.
func (b *CancelBus) Listen(ctx context.Context, fn func(context.Context, CancelRequest)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			req, err := b.decode(msg.Payload)
			if err != nil {
				b.logger.Printf("drop cancel message: %v", err)
				continue
			}
			recordCancel(ctx, "received")
			fn(ctx, req)
		}
	}
}

func (b *CancelBus) decode(payload string) (CancelRequest, error) {
	env, err := UnmarshalEnvelope([]byte(payload))
	if err != nil {
		return CancelRequest{}, err
	}
	if env.EventType != EventTaskCancel {
		return CancelRequest{}, fmt.Errorf("unexpected event type %q", env.EventType)
	}
	if b.registry != nil {
		if err := b.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return CancelRequest{}, err
		}
	}
	var req CancelRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return CancelRequest{}, fmt.Errorf("decode cancel request: %w", err)
	}
	return req, nil
}
