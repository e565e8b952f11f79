package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStreamQueue delivers tasks through a work-queue stream with a durable pull consumer.
// Unacknowledged messages are redelivered by the server after the ack wait.
type JetStreamQueue struct {
	js          nats.JetStreamContext
	sub         *nats.Subscription
	subject     string
	pollTimeout time.Duration
}

// NewJetStreamQueue ensures the stream exists and binds a durable pull consumer to it.
func NewJetStreamQueue(nc *nats.Conn, name string, ackWait, pollTimeout time.Duration) (*JetStreamQueue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	stream := StreamName(name)
	subject := SubjectName(name)
	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream info: %w", err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		}); err != nil {
			return nil, fmt.Errorf("add stream: %w", err)
		}
	}

	sub, err := js.PullSubscribe(subject, stream+"_workers",
		nats.AckWait(ackWait),
		nats.ManualAck(),
		nats.BindStream(stream),
	)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}

	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}

	return &JetStreamQueue{js: js, sub: sub, subject: subject, pollTimeout: pollTimeout}, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := encodeTask(&task)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(q.subject, []byte(payload), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

func (q *JetStreamQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, q.pollTimeout)
	defer cancel()

	msgs, err := q.sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("fetch task: %w", err)
	}
	if len(msgs) == 0 {
		return nil, ErrQueueEmpty
	}

	msg := msgs[0]
	task, err := decodeTask(msg.Data)
	if err != nil {
		_ = msg.Term()
		return nil, err
	}
	if meta, metaErr := msg.Metadata(); metaErr == nil && meta.NumDelivered > 1 {
		task.Redelivered = int(meta.NumDelivered) - 1
	}

	return &Delivery{Task: task, raw: string(msg.Data), handle: msg}, nil
}

func (q *JetStreamQueue) Ack(ctx context.Context, delivery *Delivery) error {
	msg, ok := delivery.handle.(*nats.Msg)
	if !ok {
		return fmt.Errorf("delivery was not produced by jetstream")
	}
	return msg.Ack(nats.Context(ctx))
}

func (q *JetStreamQueue) Nack(ctx context.Context, delivery *Delivery) error {
	msg, ok := delivery.handle.(*nats.Msg)
	if !ok {
		return fmt.Errorf("delivery was not produced by jetstream")
	}
	return msg.Nak(nats.Context(ctx))
}

func (q *JetStreamQueue) Close() error {
	return q.sub.Drain()
}

// StreamName derives a JetStream stream name from a queue name such as "arena:evaluation".
func StreamName(queueName string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, queueName))
}

// SubjectName derives the publish subject from a queue name; ':' separators become '.'.
func SubjectName(queueName string) string {
	return strings.NewReplacer(":", ".", " ", "_").Replace(queueName)
}
