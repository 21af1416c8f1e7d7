package bundler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
)

// publicTTL bounds the lifetime of per-scan public keys.
var publicTTL = 30 * time.Minute

// FabricEmitter publishes assembled segments and baselines on the fabric's
// own topics. Each emission pairs the internal set-and-publish with a
// TTL-bounded public copy keyed by scan, written in one pipelined batch.
type FabricEmitter struct {
	conn connector.Connector
}

// NewFabricEmitter returns the fabric's native emitter.
func NewFabricEmitter(conn connector.Connector) *FabricEmitter {
	return &FabricEmitter{conn: conn}
}

func (e *FabricEmitter) OnScanOpen(context.Context, *Scan) {}

func (e *FabricEmitter) OnScanPoint(ctx context.Context, scan *Scan, pointID int64, data messages.DeviceData) {
	var msg = &messages.ScanMessage{
		PointID:  pointID,
		ScanID:   scan.ScanID,
		Data:     data,
		Metadata: scan.Metadata,
	}
	var raw, err = messages.Encode(msg)
	if err != nil {
		e.log().WithField("err", err).Error("failed to encode scan segment")
		return
	}
	var pipe = e.conn.Pipeline()
	pipe.SetAndPublish(messages.ScanSegment(), raw)
	pipe.Set(messages.PublicScanSegment(scan.ScanID, pointID), raw, publicTTL)
	if err = pipe.Exec(ctx); err != nil {
		e.log().WithFields(log.Fields{
			"scanID":  scan.ScanID,
			"pointID": pointID,
			"err":     err,
		}).Error("failed to publish scan segment")
	}
}

func (e *FabricEmitter) OnBaseline(ctx context.Context, scan *Scan, data messages.DeviceData) {
	var msg = &messages.ScanBaselineMessage{
		ScanID:   scan.ScanID,
		Data:     data,
		Metadata: scan.Metadata,
	}
	var raw, err = messages.Encode(msg)
	if err != nil {
		e.log().WithField("err", err).Error("failed to encode baseline")
		return
	}
	var pipe = e.conn.Pipeline()
	pipe.Set(messages.PublicScanBaseline(scan.ScanID), raw, publicTTL)
	pipe.SetAndPublish(messages.ScanBaseline(), raw)
	if err = pipe.Exec(ctx); err != nil {
		e.log().WithFields(log.Fields{
			"scanID": scan.ScanID,
			"err":    err,
		}).Error("failed to publish baseline")
	}
}

func (e *FabricEmitter) OnScanClose(context.Context, *Scan) {}

func (e *FabricEmitter) log() *log.Entry {
	return log.WithField("component", "bundler-emitter")
}

// blueskyRun is the per-scan document state of the BlueskyEmitter.
type blueskyRun struct {
	runUID        string
	descriptorUID string
}

// BlueskyEmitter translates scans into event-model documents (run start,
// event descriptor, events) published as tagged msgpack tuples on the
// bluesky events topic, for downstream consumers that speak that dialect.
type BlueskyEmitter struct {
	conn connector.Connector

	// infoCache caches decoded device-info payloads keyed by device name.
	infoCache *lru.Cache[string, messages.Params]

	mu   sync.Mutex
	runs map[string]*blueskyRun
}

// NewBlueskyEmitter returns an event-model emitter.
func NewBlueskyEmitter(conn connector.Connector) *BlueskyEmitter {
	var cache, _ = lru.New[string, messages.Params](512)
	return &BlueskyEmitter{
		conn:      conn,
		infoCache: cache,
		runs:      make(map[string]*blueskyRun),
	}
}

func (e *BlueskyEmitter) log() *log.Entry {
	return log.WithField("component", "bluesky-emitter")
}

func (e *BlueskyEmitter) OnScanOpen(ctx context.Context, scan *Scan) {
	var run = &blueskyRun{runUID: uuid.NewString()}
	e.mu.Lock()
	e.runs[scan.ScanID] = run
	e.mu.Unlock()

	var scanNumber, _ = scan.Info.Int("scan_number")
	e.publish(ctx, "start", map[string]any{
		"uid":        run.runUID,
		"time":       unixSeconds(),
		"scan_id":    scanNumber,
		"queue_id":   scan.Metadata.ScanID(),
		"scan_type":  scan.Info["scan_type"],
		"num_points": scan.Info["num_points"],
		"motors":     scan.Info.Strings("scan_motors"),
	})
}

func (e *BlueskyEmitter) OnScanPoint(ctx context.Context, scan *Scan, pointID int64, data messages.DeviceData) {
	e.mu.Lock()
	var run, ok = e.runs[scan.ScanID]
	if !ok {
		e.mu.Unlock()
		return
	}
	var needDescriptor = run.descriptorUID == ""
	if needDescriptor {
		run.descriptorUID = uuid.NewString()
	}
	e.mu.Unlock()

	if needDescriptor {
		e.publish(ctx, "descriptor", map[string]any{
			"uid":       run.descriptorUID,
			"run_start": run.runUID,
			"time":      unixSeconds(),
			"name":      "primary",
			"data_keys": e.dataKeys(ctx, scan.Monitored),
		})
	}

	var eventData = make(map[string]any)
	var eventTimes = make(map[string]any)
	for device, signals := range data {
		for name, sig := range signals {
			var key = device
			if name != device {
				key = device + "_" + name
			}
			eventData[key] = sig.Value
			eventTimes[key] = sig.Timestamp
		}
	}
	e.publish(ctx, "event", map[string]any{
		"uid":        uuid.NewString(),
		"descriptor": run.descriptorUID,
		"time":       unixSeconds(),
		"seq_num":    pointID + 1,
		"data":       eventData,
		"timestamps": eventTimes,
	})
}

func (e *BlueskyEmitter) OnBaseline(context.Context, *Scan, messages.DeviceData) {}

func (e *BlueskyEmitter) OnScanClose(ctx context.Context, scan *Scan) {
	e.mu.Lock()
	var run, ok = e.runs[scan.ScanID]
	delete(e.runs, scan.ScanID)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.publish(ctx, "stop", map[string]any{
		"uid":         uuid.NewString(),
		"run_start":   run.runUID,
		"time":        unixSeconds(),
		"exit_status": "success",
	})
}

// dataKeys builds the descriptor's per-signal typing from cached device
// info. Devices whose info is unavailable describe themselves as bare
// numbers.
func (e *BlueskyEmitter) dataKeys(ctx context.Context, devs []string) map[string]any {
	var keys = make(map[string]any)
	for _, device := range devs {
		var info = e.deviceInfo(ctx, device)
		var signals = info.Map("signals")
		if len(signals) == 0 {
			keys[device] = map[string]any{
				"source": "fabric:" + device,
				"dtype":  "number",
				"shape":  []any{},
			}
			continue
		}
		for name := range signals {
			var key = device
			if name != device {
				key = device + "_" + name
			}
			keys[key] = map[string]any{
				"source": "fabric:" + device + "/" + name,
				"dtype":  "number",
				"shape":  []any{},
			}
		}
	}
	return keys
}

func (e *BlueskyEmitter) deviceInfo(ctx context.Context, device string) messages.Params {
	if info, ok := e.infoCache.Get(device); ok {
		return info
	}
	var raw, err = e.conn.Get(ctx, messages.DeviceInfo(device))
	if err != nil || raw == nil {
		return nil
	}
	msg, err := messages.DecodeAs[*messages.DeviceInfoMessage](raw)
	if err != nil {
		return nil
	}
	e.infoCache.Add(device, msg.Info)
	return msg.Info
}

// publish frames one document as a ("tag", document) msgpack tuple.
func (e *BlueskyEmitter) publish(ctx context.Context, tag string, doc map[string]any) {
	var raw, err = msgpack.Marshal([2]any{tag, doc})
	if err != nil {
		e.log().WithField("err", err).Error("failed to encode document")
		return
	}
	if err = e.conn.Publish(ctx, messages.BlueskyEvents(), raw); err != nil {
		e.log().WithFields(log.Fields{
			"tag": tag,
			"err": err,
		}).Error("failed to publish document")
	}
}

func unixSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
