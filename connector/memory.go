package connector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed in-memory connector.
var ErrClosed = fmt.Errorf("connector is closed")

// Memory is an in-process Connector with the semantics of the Redis
// implementation: per-subscription FIFO delivery, keyed values with
// expiration, lists, hashes, streams, counters, and atomic pipelines. It
// backs tests and the device-server simulator.
type Memory struct {
	mu      sync.Mutex
	closed  bool
	values  map[string]memValue
	lists   map[string][][]byte
	hashes  map[string]map[string][]byte
	streams map[string][][]byte
	subs    map[*memSub]struct{}
}

type memValue struct {
	data    []byte
	expires time.Time
}

var _ Connector = (*Memory)(nil)

// NewMemory returns an empty in-memory connector.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]memValue),
		lists:   make(map[string][][]byte),
		hashes:  make(map[string]map[string][]byte),
		streams: make(map[string][][]byte),
		subs:    make(map[*memSub]struct{}),
	}
}

// memSub is one subscription: a mailbox drained by a dedicated goroutine, so
// callbacks observe publication order and a slow callback never blocks the
// publisher.
type memSub struct {
	pattern   string
	isPattern bool
	cb        Callback

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []MessageObject
	closed bool
	done   chan struct{}
}

func newMemSub(pattern string, isPattern bool, cb Callback) *memSub {
	var s = &memSub{
		pattern:   pattern,
		isPattern: isPattern,
		cb:        cb,
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memSub) matches(topic string) bool {
	if s.isPattern {
		return globMatch(s.pattern, topic)
	}
	return s.pattern == topic
}

func (s *memSub) push(msg MessageObject) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, msg)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *memSub) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

func (s *memSub) drain() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		var msg = s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		deliveredCounter.WithLabelValues("memory").Inc()
		s.cb(msg)
	}
}

func (m *Memory) Publish(_ context.Context, topic string, value []byte) error {
	var targets, err = m.collect(topic)
	if err != nil {
		return err
	}
	m.deliver(targets, topic, value)
	return nil
}

// collect snapshots the subscriptions matching |topic| under the lock.
func (m *Memory) collect(topic string) ([]*memSub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var targets []*memSub
	for s := range m.subs {
		if s.matches(topic) {
			targets = append(targets, s)
		}
	}
	return targets, nil
}

func (m *Memory) deliver(targets []*memSub, topic string, value []byte) {
	publishedCounter.WithLabelValues("memory").Inc()
	var msg = MessageObject{Topic: topic, Value: append([]byte(nil), value...)}
	for _, s := range targets {
		s.push(msg)
	}
}

func (m *Memory) Subscribe(ctx context.Context, topic string, cb Callback) (CancelFunc, error) {
	return m.subscribe(ctx, topic, false, cb)
}

func (m *Memory) PSubscribe(ctx context.Context, pattern string, cb Callback) (CancelFunc, error) {
	return m.subscribe(ctx, pattern, true, cb)
}

func (m *Memory) subscribe(ctx context.Context, pattern string, isPattern bool, cb Callback) (CancelFunc, error) {
	var s = newMemSub(pattern, isPattern, cb)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go s.drain()

	var once sync.Once
	var cancel = func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, s)
			m.mu.Unlock()
			s.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-s.done:
		}
	}()
	return cancel, nil
}

func (m *Memory) Get(_ context.Context, topic string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.getLocked(topic), nil
}

func (m *Memory) getLocked(topic string) []byte {
	var v, ok = m.values[topic]
	if !ok {
		return nil
	}
	if !v.expires.IsZero() && time.Now().After(v.expires) {
		delete(m.values, topic)
		return nil
	}
	return append([]byte(nil), v.data...)
}

func (m *Memory) Set(_ context.Context, topic string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setLocked(topic, value, ttl)
	return nil
}

func (m *Memory) setLocked(topic string, value []byte, ttl time.Duration) {
	var v = memValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expires = time.Now().Add(ttl)
	}
	m.values[topic] = v
}

func (m *Memory) SetAndPublish(_ context.Context, topic string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.setLocked(topic, value, 0)
	var targets []*memSub
	for s := range m.subs {
		if s.matches(topic) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	m.deliver(targets, topic, value)
	return nil
}

func (m *Memory) Delete(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.values, topic)
	delete(m.lists, topic)
	delete(m.hashes, topic)
	delete(m.streams, topic)
	return nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var now = time.Now()
	var out []string
	for k, v := range m.values {
		if !v.expires.IsZero() && now.After(v.expires) {
			continue
		}
		if globMatch(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Incr(_ context.Context, topic string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	if cur := m.getLocked(topic); cur != nil {
		var parsed, err = strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value of %s is not an integer: %w", topic, err)
		}
		n = parsed
	}
	n++
	m.setLocked(topic, []byte(strconv.FormatInt(n, 10)), 0)
	return n, nil
}

func (m *Memory) LPush(_ context.Context, topic string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, v := range values {
		m.lists[topic] = append([][]byte{append([]byte(nil), v...)}, m.lists[topic]...)
	}
	return nil
}

func (m *Memory) RPush(_ context.Context, topic string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, v := range values {
		m.lists[topic] = append(m.lists[topic], append([]byte(nil), v...))
	}
	return nil
}

func (m *Memory) LRange(_ context.Context, topic string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var list = m.lists[topic]
	var lo, hi, ok = normalizeRange(start, stop, int64(len(list)))
	if !ok {
		return nil, nil
	}
	var out = make([][]byte, 0, hi-lo+1)
	for _, v := range list[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *Memory) LTrim(_ context.Context, topic string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var list = m.lists[topic]
	var lo, hi, ok = normalizeRange(start, stop, int64(len(list)))
	if !ok {
		delete(m.lists, topic)
		return nil
	}
	m.lists[topic] = list[lo : hi+1]
	return nil
}

// normalizeRange resolves Redis-style inclusive ranges with negative offsets
// counted from the tail.
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (m *Memory) HSet(_ context.Context, topic string, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.hashes[topic] == nil {
		m.hashes[topic] = make(map[string][]byte)
	}
	m.hashes[topic][field] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) HGetAll(_ context.Context, topic string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out = make(map[string][]byte, len(m.hashes[topic]))
	for k, v := range m.hashes[topic] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) XAdd(_ context.Context, topic string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.streams[topic] = append(m.streams[topic], append([]byte(nil), value...))
	return nil
}

func (m *Memory) XRange(_ context.Context, topic string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out = make([][]byte, 0, len(m.streams[topic]))
	for _, v := range m.streams[topic] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *Memory) Pipeline() Pipeline {
	return &memoryPipeline{m: m}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs = make([]*memSub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[*memSub]struct{})
	m.mu.Unlock()

	for _, s := range subs {
		s.close()
		<-s.done
	}
	return nil
}

// memoryPipeline queues writes and applies them under one lock acquisition,
// delivering queued notifications afterwards.
type memoryPipeline struct {
	m   *Memory
	ops []memOp
}

type memOp struct {
	kind        string
	topic       string
	value       []byte
	ttl         time.Duration
	start, stop int64
}

func (p *memoryPipeline) Publish(topic string, value []byte) {
	p.ops = append(p.ops, memOp{kind: "publish", topic: topic, value: value})
}

func (p *memoryPipeline) Set(topic string, value []byte, ttl time.Duration) {
	p.ops = append(p.ops, memOp{kind: "set", topic: topic, value: value, ttl: ttl})
}

func (p *memoryPipeline) SetAndPublish(topic string, value []byte) {
	p.Set(topic, value, 0)
	p.Publish(topic, value)
}

func (p *memoryPipeline) LPush(topic string, value []byte) {
	p.ops = append(p.ops, memOp{kind: "lpush", topic: topic, value: value})
}

func (p *memoryPipeline) RPush(topic string, value []byte) {
	p.ops = append(p.ops, memOp{kind: "rpush", topic: topic, value: value})
}

func (p *memoryPipeline) LTrim(topic string, start, stop int64) {
	p.ops = append(p.ops, memOp{kind: "ltrim", topic: topic, start: start, stop: stop})
}

func (p *memoryPipeline) Exec(_ context.Context) error {
	var m = p.m

	type delivery struct {
		targets []*memSub
		topic   string
		value   []byte
	}
	var deliveries []delivery

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	for _, op := range p.ops {
		switch op.kind {
		case "publish":
			var targets []*memSub
			for s := range m.subs {
				if s.matches(op.topic) {
					targets = append(targets, s)
				}
			}
			deliveries = append(deliveries, delivery{targets, op.topic, op.value})
		case "set":
			m.setLocked(op.topic, op.value, op.ttl)
		case "lpush":
			m.lists[op.topic] = append([][]byte{append([]byte(nil), op.value...)}, m.lists[op.topic]...)
		case "rpush":
			m.lists[op.topic] = append(m.lists[op.topic], append([]byte(nil), op.value...))
		case "ltrim":
			var list = m.lists[op.topic]
			if lo, hi, ok := normalizeRange(op.start, op.stop, int64(len(list))); ok {
				m.lists[op.topic] = list[lo : hi+1]
			} else {
				delete(m.lists, op.topic)
			}
		}
	}
	m.mu.Unlock()

	for _, d := range deliveries {
		m.deliver(d.targets, d.topic, d.value)
	}
	pipelineFlushCounter.WithLabelValues("memory").Inc()
	p.ops = nil
	return nil
}

// globMatch matches Redis-style patterns: '*' spans any run of characters,
// '?' exactly one. Separators are not special.
func globMatch(pattern, s string) bool {
	var p, i int
	var star, mark = -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = i
			p++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
