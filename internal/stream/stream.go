// Package stream wraps Redis consumer-grouped streams: publish, blocking
// consume, ack, and reclaim of abandoned pending entries. Grounded on
// the teacher's cmd/workflow-runner/worker/http_worker.go loop
// (XGroupCreateMkStream idempotent create, XReadGroup-block-then-XAck),
// generalized to every Activities variant and extended with
// XAutoClaim-based reclaim per spec §4.4 "Stream".
package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/merrs"
)

// Message is one stream entry handed to a consumer.
type Message struct {
	ID     string
	Values map[string]string
}

// Stream is a consumer-grouped Redis stream client.
type Stream struct {
	rdb *redis.Client
	log *logger.Logger
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, log *logger.Logger) *Stream {
	return &Stream{rdb: rdb, log: log}
}

// EnsureGroup idempotently creates the stream (MKSTREAM) and consumer
// group, tolerating BUSYGROUP the way http_worker.go does.
func (s *Stream) EnsureGroup(ctx context.Context, streamKey, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, streamKey, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &merrs.StorageError{Op: "stream.EnsureGroup", Err: err}
	}
	return nil
}

// Publish appends an entry to the stream, returning its generated ID.
func (s *Stream) Publish(ctx context.Context, streamKey string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: streamKey, Values: values}).Result()
	if err != nil {
		return "", &merrs.StorageError{Op: "stream.Publish", Err: err}
	}
	return id, nil
}

// Consume performs one blocking XReadGroup read for this consumer,
// returning whatever entries are available (possibly none on timeout).
func (s *Stream) Consume(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &merrs.StorageError{Op: "stream.Consume", Err: err}
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Values: stringify(m.Values)})
		}
	}
	return out, nil
}

func stringify(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if sv, ok := v.(string); ok {
			out[k] = sv
		}
	}
	return out
}

// Ack acknowledges and removes processed entries, per spec §4.4
// "successful processing both ACKs and DELs the entry so the stream
// does not grow unbounded".
func (s *Stream) Ack(ctx context.Context, streamKey, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.XAck(ctx, streamKey, group, ids...)
	pipe.XDel(ctx, streamKey, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return &merrs.StorageError{Op: "stream.Ack", Err: err}
	}
	return nil
}

// Reclaim scans for entries idle longer than minIdle and transfers
// ownership to consumer via XAUTOCLAIM, per spec §4.4 "reclaim: a
// periodic XAUTOCLAIM sweep reassigns entries abandoned by a crashed
// consumer back into the live pool".
func (s *Stream) Reclaim(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, count int64) ([]Message, string, error) {
	msgs, cursor, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", &merrs.StorageError{Op: "stream.Reclaim", Err: err}
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{ID: m.ID, Values: stringify(m.Values)})
	}
	return out, cursor, nil
}

// PendingCount reports the number of entries delivered but not yet
// acknowledged for the group. The quorum rollcall depth report uses Len,
// not this count.
func (s *Stream) PendingCount(ctx context.Context, streamKey, group string) (int64, error) {
	summary, err := s.rdb.XPending(ctx, streamKey, group).Result()
	if err != nil {
		return 0, &merrs.StorageError{Op: "stream.PendingCount", Err: err}
	}
	return summary.Count, nil
}

// Len reports the current stream length (spec §8 rollcall "stream depth").
func (s *Stream) Len(ctx context.Context, streamKey string) (int64, error) {
	n, err := s.rdb.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, &merrs.StorageError{Op: "stream.Len", Err: err}
	}
	return n, nil
}
