package streams

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Journal mirrors task events into one Redis stream per task so other
// instances and late subscribers can replay them.
type Journal struct {
	client   redis.UniversalClient
	registry *SchemaRegistry
	prefix   string
	maxLen   int64
	ttl      time.Duration

	mu   sync.Mutex
	seqs map[string]int64
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithMaxLenApprox caps each task stream at roughly n entries.
func WithMaxLenApprox(n int64) JournalOption {
	return func(j *Journal) {
		if n > 0 {
			j.maxLen = n
		}
	}
}

// WithTTL sets how long a task stream is kept after its last write.
func WithTTL(d time.Duration) JournalOption {
	return func(j *Journal) {
		if d > 0 {
			j.ttl = d
		}
	}
}

func NewJournal(client redis.UniversalClient, registry *SchemaRegistry, prefix string, opts ...JournalOption) *Journal {
	if prefix == "" {
		prefix = "agentcore.events"
	}
	j := &Journal{
		client:   client,
		registry: registry,
		prefix:   prefix,
		maxLen:   1000,
		ttl:      24 * time.Hour,
		seqs:     make(map[string]int64),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// StreamKey names the stream holding a task's events.
func (j *Journal) StreamKey(taskID string) string {
	return j.prefix + ":" + taskID
}

// Publish validates env and appends it to the task's stream.
func (j *Journal) Publish(ctx context.Context, env Envelope) (string, error) {
	if err := env.ValidateBasic(); err != nil {
		return "", err
	}
	if j.registry != nil {
		if err := j.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return "", err
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}
	key := j.StreamKey(env.TaskID)
	var add *redis.StringCmd
	_, err = j.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: j.maxLen,
			Approx: true,
			Values: map[string]interface{}{"envelope": raw},
		})
		p.Expire(ctx, key, j.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	recordJournal(ctx, env)
	return add.Val(), nil
}

// Append wraps payload in a task.event envelope with the next sequence number.
func (j *Journal) Append(ctx context.Context, taskID, contextID string, payload interface{}) (string, error) {
	env, err := NewEnvelope(EventTaskEvent, VersionV1, taskID, payload)
	if err != nil {
		return "", err
	}
	env.ContextID = contextID
	env.Sequence = j.nextSeq(taskID)
	return j.Publish(ctx, env)
}

// Forget drops the sequence counter of a finished task.
func (j *Journal) Forget(taskID string) {
	j.mu.Lock()
	delete(j.seqs, taskID)
	j.mu.Unlock()
}

func (j *Journal) nextSeq(taskID string) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.seqs[taskID]
	j.seqs[taskID] = seq + 1
	return seq
}

// Message is a journal entry read back from Redis.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read returns up to count entries of a task stream after the given entry
// id ("" reads from the start).
func (j *Journal) Read(ctx context.Context, taskID, after string, count int64) ([]Message, error) {
	start := "-"
	if after != "" {
		start = "(" + after
	}
	var (
		entries []redis.XMessage
		err     error
	)
	if count > 0 {
		entries, err = j.client.XRangeN(ctx, j.StreamKey(taskID), start, "+", count).Result()
	} else {
		entries, err = j.client.XRange(ctx, j.StreamKey(taskID), start, "+").Result()
	}
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values["envelope"].(string)
		if !ok {
			continue
		}
		env, err := UnmarshalEnvelope([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, Message{ID: e.ID, Envelope: env})
	}
	return out, nil
}
