// Package connector is the broker transport of the fabric. All services speak
// to each other exclusively through a Connector: published notifications,
// keyed values, bounded lists, hashes, and append-only streams. The production
// implementation runs over Redis; an in-memory twin with identical semantics
// backs tests and the device-server simulator.
//
// Topics are logical names such as "internal/queue/queue_status". Each
// primitive maps a logical topic onto a concrete key: notifications publish on
// "<topic>:sub", keyed storage (values, lists, hashes, counters) lives at
// "<topic>:val", and streams append to "<topic>:stream". SetAndPublish pairs
// the value write with the notification so that late subscribers can always
// recover the current state with a Get.
package connector

import (
	"context"
	"time"
)

// MessageObject is one delivered notification: the logical topic it was
// published on and its raw payload.
type MessageObject struct {
	Topic string
	Value []byte
}

// Callback consumes delivered notifications. Callbacks of one subscription
// run on a single goroutine in publication order; a slow callback delays only
// its own subscription.
type Callback func(msg MessageObject)

// CancelFunc tears down a subscription. It is safe to call more than once.
type CancelFunc func()

// Connector is the transport accepted by every fabric component.
type Connector interface {
	// Publish sends a fire-and-forget notification on |topic|.
	Publish(ctx context.Context, topic string, value []byte) error
	// Subscribe delivers notifications of |topic| to |cb| until cancelled.
	Subscribe(ctx context.Context, topic string, cb Callback) (CancelFunc, error)
	// PSubscribe is Subscribe over a glob pattern ('*' and '?').
	PSubscribe(ctx context.Context, pattern string, cb Callback) (CancelFunc, error)

	// Get reads the keyed value of |topic|, or nil if unset.
	Get(ctx context.Context, topic string) ([]byte, error)
	// Set writes the keyed value of |topic|. A non-zero |ttl| expires it.
	Set(ctx context.Context, topic string, value []byte, ttl time.Duration) error
	// SetAndPublish pairs Set and Publish in one pipelined round trip.
	SetAndPublish(ctx context.Context, topic string, value []byte) error
	// Delete removes the keyed value of |topic|.
	Delete(ctx context.Context, topic string) error
	// Keys lists topics with keyed values matching the glob |pattern|.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Incr increments the integer value of |topic|, returning the new value.
	Incr(ctx context.Context, topic string) (int64, error)

	// LPush prepends to the list of |topic|.
	LPush(ctx context.Context, topic string, values ...[]byte) error
	// RPush appends to the list of |topic|.
	RPush(ctx context.Context, topic string, values ...[]byte) error
	// LRange reads the list slice [start, stop] (inclusive, negatives from
	// the tail, as in Redis).
	LRange(ctx context.Context, topic string, start, stop int64) ([][]byte, error)
	// LTrim bounds the list of |topic| to [start, stop].
	LTrim(ctx context.Context, topic string, start, stop int64) error

	// HSet writes one field of the hash of |topic|.
	HSet(ctx context.Context, topic string, field string, value []byte) error
	// HGetAll reads the full hash of |topic|.
	HGetAll(ctx context.Context, topic string) (map[string][]byte, error)

	// XAdd appends an entry to the stream of |topic|.
	XAdd(ctx context.Context, topic string, value []byte) error
	// XRange reads all entries of the stream of |topic| in append order.
	XRange(ctx context.Context, topic string) ([][]byte, error)

	// Pipeline opens a write batch which is flushed by a single Exec.
	Pipeline() Pipeline

	// Close releases the connector. Active subscriptions are cancelled.
	Close() error
}

// Pipeline batches writes for a single flush. Operations queue locally and
// take effect atomically with respect to this connector when Exec runs.
type Pipeline interface {
	Publish(topic string, value []byte)
	Set(topic string, value []byte, ttl time.Duration)
	SetAndPublish(topic string, value []byte)
	LPush(topic string, value []byte)
	RPush(topic string, value []byte)
	LTrim(topic string, start, stop int64)
	Exec(ctx context.Context) error
}

const (
	subSuffix    = ":sub"
	valSuffix    = ":val"
	streamSuffix = ":stream"
)
