package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisConfig locates the broker.
type RedisConfig struct {
	Host string `long:"host" env:"HOST" default:"localhost" description:"Redis broker host"`
	Port int    `long:"port" env:"PORT" default:"6379" description:"Redis broker port"`
}

// Address returns the host:port broker address.
func (c RedisConfig) Address() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// ErrorHook observes transport-level failures. The Redis connector invokes it
// once after failureAlarmThreshold consecutive failed operations, which
// services typically bind to an alarm publisher.
type ErrorHook func(err error)

const failureAlarmThreshold = 3

// Redis is the production Connector over a single Redis broker.
type Redis struct {
	client   *redis.Client
	hook     ErrorHook
	failures atomic.Int64

	mu      sync.Mutex
	cancels []CancelFunc
}

var _ Connector = (*Redis)(nil)

// DialRedis connects to the broker, retrying the initial ping with
// exponential backoff capped at 30s.
func DialRedis(ctx context.Context, cfg RedisConfig, hook ErrorHook) (*Redis, error) {
	var client = redis.NewClient(&redis.Options{Addr: cfg.Address()})

	var policy = backoff.NewExponentialBackOff()
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	var attempt int
	var err = backoff.Retry(func() error {
		if err := client.Ping(ctx).Err(); err != nil {
			attempt++
			log.WithFields(log.Fields{
				"addr":    cfg.Address(),
				"attempt": attempt,
				"err":     err,
			}).Warn("broker not reachable yet")
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to broker at %s: %w", cfg.Address(), err)
	}
	return &Redis{client: client, hook: hook}, nil
}

// done accounts the outcome of one broker operation. Consecutive failures
// trip the error hook exactly once until an operation succeeds again.
func (r *Redis) done(op string, err error) error {
	if err == nil {
		r.failures.Store(0)
		return nil
	}
	failureCounter.WithLabelValues(op).Inc()
	if n := r.failures.Add(1); n == failureAlarmThreshold && r.hook != nil {
		r.hook(fmt.Errorf("broker unreachable after %d consecutive failures: %w", n, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Redis) Publish(ctx context.Context, topic string, value []byte) error {
	var err = r.client.Publish(ctx, topic+subSuffix, value).Err()
	if err == nil {
		publishedCounter.WithLabelValues("redis").Inc()
	}
	return r.done("publish", err)
}

func (r *Redis) Subscribe(ctx context.Context, topic string, cb Callback) (CancelFunc, error) {
	return r.subscribe(ctx, topic+subSuffix, cb, false)
}

func (r *Redis) PSubscribe(ctx context.Context, pattern string, cb Callback) (CancelFunc, error) {
	return r.subscribe(ctx, pattern+subSuffix, cb, true)
}

func (r *Redis) subscribe(ctx context.Context, channel string, cb Callback, pattern bool) (CancelFunc, error) {
	var sub *redis.PubSub
	if pattern {
		sub = r.client.PSubscribe(ctx, channel)
	} else {
		sub = r.client.Subscribe(ctx, channel)
	}
	// Confirm the subscription before returning so that a published message
	// which follows this call is never silently missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, r.done("subscribe", err)
	}

	var done = make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			deliveredCounter.WithLabelValues("redis").Inc()
			cb(MessageObject{
				Topic: strings.TrimSuffix(msg.Channel, subSuffix),
				Value: []byte(msg.Payload),
			})
		}
	}()

	var once sync.Once
	var cancel = func() {
		once.Do(func() { _ = sub.Close() })
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	r.mu.Lock()
	r.cancels = append(r.cancels, cancel)
	r.mu.Unlock()
	return cancel, nil
}

func (r *Redis) Get(ctx context.Context, topic string) ([]byte, error) {
	var v, err = r.client.Get(ctx, topic+valSuffix).Bytes()
	if err == redis.Nil {
		return nil, r.done("get", nil)
	}
	return v, r.done("get", err)
}

func (r *Redis) Set(ctx context.Context, topic string, value []byte, ttl time.Duration) error {
	return r.done("set", r.client.Set(ctx, topic+valSuffix, value, ttl).Err())
}

func (r *Redis) SetAndPublish(ctx context.Context, topic string, value []byte) error {
	var pipe = r.client.Pipeline()
	pipe.Set(ctx, topic+valSuffix, value, 0)
	pipe.Publish(ctx, topic+subSuffix, value)
	var _, err = pipe.Exec(ctx)
	if err == nil {
		publishedCounter.WithLabelValues("redis").Inc()
	}
	return r.done("set_and_publish", err)
}

func (r *Redis) Delete(ctx context.Context, topic string) error {
	return r.done("delete", r.client.Del(ctx, topic+valSuffix).Err())
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys, err = r.client.Keys(ctx, pattern+valSuffix).Result()
	if err != nil {
		return nil, r.done("keys", err)
	}
	var out = make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimSuffix(k, valSuffix))
	}
	return out, r.done("keys", nil)
}

func (r *Redis) Incr(ctx context.Context, topic string) (int64, error) {
	var n, err = r.client.Incr(ctx, topic+valSuffix).Result()
	return n, r.done("incr", err)
}

func (r *Redis) LPush(ctx context.Context, topic string, values ...[]byte) error {
	return r.done("lpush", r.client.LPush(ctx, topic+valSuffix, asArgs(values)...).Err())
}

func (r *Redis) RPush(ctx context.Context, topic string, values ...[]byte) error {
	return r.done("rpush", r.client.RPush(ctx, topic+valSuffix, asArgs(values)...).Err())
}

func (r *Redis) LRange(ctx context.Context, topic string, start, stop int64) ([][]byte, error) {
	var vals, err = r.client.LRange(ctx, topic+valSuffix, start, stop).Result()
	if err != nil {
		return nil, r.done("lrange", err)
	}
	var out = make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, r.done("lrange", nil)
}

func (r *Redis) LTrim(ctx context.Context, topic string, start, stop int64) error {
	return r.done("ltrim", r.client.LTrim(ctx, topic+valSuffix, start, stop).Err())
}

func (r *Redis) HSet(ctx context.Context, topic string, field string, value []byte) error {
	return r.done("hset", r.client.HSet(ctx, topic+valSuffix, field, value).Err())
}

func (r *Redis) HGetAll(ctx context.Context, topic string) (map[string][]byte, error) {
	var vals, err = r.client.HGetAll(ctx, topic+valSuffix).Result()
	if err != nil {
		return nil, r.done("hgetall", err)
	}
	var out = make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, r.done("hgetall", nil)
}

func (r *Redis) XAdd(ctx context.Context, topic string, value []byte) error {
	return r.done("xadd", r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic + streamSuffix,
		Values: map[string]interface{}{"data": value},
	}).Err())
}

func (r *Redis) XRange(ctx context.Context, topic string) ([][]byte, error) {
	var entries, err = r.client.XRange(ctx, topic+streamSuffix, "-", "+").Result()
	if err != nil {
		return nil, r.done("xrange", err)
	}
	var out = make([][]byte, 0, len(entries))
	for _, e := range entries {
		if v, ok := e.Values["data"].(string); ok {
			out = append(out, []byte(v))
		}
	}
	return out, r.done("xrange", nil)
}

func (r *Redis) Pipeline() Pipeline {
	return &redisPipeline{r: r, pipe: r.client.Pipeline()}
}

func (r *Redis) Close() error {
	r.mu.Lock()
	var cancels = r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return r.client.Close()
}

type redisPipeline struct {
	r    *Redis
	pipe redis.Pipeliner
}

func (p *redisPipeline) Publish(topic string, value []byte) {
	p.pipe.Publish(context.Background(), topic+subSuffix, value)
}

func (p *redisPipeline) Set(topic string, value []byte, ttl time.Duration) {
	p.pipe.Set(context.Background(), topic+valSuffix, value, ttl)
}

func (p *redisPipeline) SetAndPublish(topic string, value []byte) {
	p.Set(topic, value, 0)
	p.Publish(topic, value)
}

func (p *redisPipeline) LPush(topic string, value []byte) {
	p.pipe.LPush(context.Background(), topic+valSuffix, value)
}

func (p *redisPipeline) RPush(topic string, value []byte) {
	p.pipe.RPush(context.Background(), topic+valSuffix, value)
}

func (p *redisPipeline) LTrim(topic string, start, stop int64) {
	p.pipe.LTrim(context.Background(), topic+valSuffix, start, stop)
}

func (p *redisPipeline) Exec(ctx context.Context) error {
	var _, err = p.pipe.Exec(ctx)
	if err == nil {
		pipelineFlushCounter.WithLabelValues("redis").Inc()
	}
	return p.r.done("pipeline", err)
}

func asArgs(values [][]byte) []interface{} {
	var out = make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
