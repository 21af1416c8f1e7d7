// Package guard admits scan requests onto the queue. Every request arriving
// on the request topic runs a validation chain: registered scan type, RPC
// target, device enablement, soft limits, and a dry assembly of the scan
// class covering argument shape. The requester is answered on the
// request-response topic either way; accepted requests are forwarded
// verbatim to the queue insert topic.
package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/scanfabric/fabric/assembler"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
	log "github.com/sirupsen/logrus"
)

// Rejection is the guard's refusal of a scan request. Its text travels to
// the requester verbatim as the request-response message.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func rejectf(format string, args ...any) *Rejection {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Guard validates scan requests before they reach a queue.
type Guard struct {
	conn connector.Connector
	asm  *assembler.Assembler
	reg  *devices.Registry

	mu      sync.Mutex
	cancels []connector.CancelFunc
}

// New returns a Guard checking requests against the given scan registry and
// device registry.
func New(conn connector.Connector, asm *assembler.Assembler, reg *devices.Registry) *Guard {
	return &Guard{conn: conn, asm: asm, reg: reg}
}

// Start subscribes the guard to the scan request topic.
func (g *Guard) Start(ctx context.Context) error {
	var onRequest = func(mo connector.MessageObject) {
		var msg, err = messages.DecodeAs[*messages.ScanQueueMessage](mo.Value)
		if err != nil {
			g.log().WithField("err", err).Warn("dropping undecodable scan request")
			return
		}
		g.Admit(ctx, msg)
	}

	var cancel, err = g.conn.Subscribe(ctx, messages.QueueRequest(), onRequest)
	if err != nil {
		return fmt.Errorf("subscribing to scan requests: %w", err)
	}
	g.mu.Lock()
	g.cancels = append(g.cancels, cancel)
	g.mu.Unlock()
	return nil
}

// Stop detaches the guard from the broker.
func (g *Guard) Stop() {
	g.mu.Lock()
	var cancels = g.cancels
	g.cancels = nil
	g.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Admit validates one scan request and answers its RID on the
// request-response topic. Accepted requests are forwarded to the queue
// insert topic; the returned error is the rejection, if any.
func (g *Guard) Admit(ctx context.Context, msg *messages.ScanQueueMessage) error {
	var err = g.validate(msg)
	if err != nil {
		requestsTotal.WithLabelValues("rejected").Inc()
		g.log().WithFields(log.Fields{
			"rid":      msg.Meta().RID(),
			"scanType": msg.ScanType,
			"reason":   err.Error(),
		}).Info("rejected scan request")
	} else {
		requestsTotal.WithLabelValues("accepted").Inc()
		g.log().WithFields(log.Fields{
			"rid":      msg.Meta().RID(),
			"scanType": msg.ScanType,
		}).Info("accepted scan request")
	}

	g.respond(ctx, msg.Metadata, err)
	if err != nil {
		return err
	}
	g.forward(ctx, msg)
	return nil
}

func (g *Guard) validate(msg *messages.ScanQueueMessage) error {
	if msg.ScanType == "" {
		return &Rejection{Reason: "invalid request"}
	}
	if g.asm.Definition(msg.ScanType) == nil {
		return rejectf("unknown scan type %q", msg.ScanType)
	}
	if err := g.checkRPC(msg); err != nil {
		return err
	}
	if err := g.checkDevices(msg); err != nil {
		return err
	}
	if err := g.checkLimits(msg); err != nil {
		return err
	}
	if err := g.checkAssembly(msg); err != nil {
		return err
	}
	return g.checkBaton(msg)
}

// checkAssembly dry-runs the scan class constructor. Constructors are pure,
// so class-specific shape errors, like mismatched position-list lengths,
// surface here before the requester is ever told yes.
func (g *Guard) checkAssembly(msg *messages.ScanQueueMessage) error {
	var _, err = g.asm.Assemble(msg)
	return err
}

// checkRPC requires device_rpc requests to name an existing, enabled device.
func (g *Guard) checkRPC(msg *messages.ScanQueueMessage) error {
	if msg.ScanType != "device_rpc" {
		return nil
	}
	var name = msg.Parameter.Device
	if name == "" {
		return &Rejection{Reason: "rejected rpc: no device named"}
	}
	var dev, ok = g.reg.Get(name)
	if !ok {
		return rejectf("unknown device %q", name)
	}
	if !dev.Enabled() {
		return rejectf("device %s is not enabled", name)
	}
	return nil
}

// checkDevices requires every positional device to exist and be enabled.
func (g *Guard) checkDevices(msg *messages.ScanQueueMessage) error {
	for _, name := range msg.Parameter.Args.Devices() {
		var dev, ok = g.reg.Get(name)
		if !ok {
			return rejectf("unknown device %q", name)
		}
		if !dev.Enabled() {
			return rejectf("device %s is not enabled", name)
		}
	}
	return nil
}

// checkLimits pre-checks float positional arguments against the device's
// soft limits. Limits apply only when configured with low < high; the worker
// re-checks each interpolated position at run time.
func (g *Guard) checkLimits(msg *messages.ScanQueueMessage) error {
	var def = g.asm.Definition(msg.ScanType)
	if def == nil || def.ArgBundleSize == 0 {
		return nil
	}
	for _, name := range msg.Parameter.Args.Devices() {
		var dev, ok = g.reg.Get(name)
		if !ok {
			continue
		}
		var low, high, active = dev.Limits()
		if !active || low >= high {
			continue
		}
		for i, val := range msg.Parameter.Args.Values(name) {
			if i+1 >= len(def.ArgInput) || def.ArgInput[i+1] != assembler.ArgFloat {
				continue
			}
			if pos := floatOf(val); pos < low || pos > high {
				return &assembler.LimitError{
					Device:   name,
					Position: []float64{pos},
					Low:      low,
					High:     high,
				}
			}
		}
	}
	return nil
}

// TODO: baton handling. Requests pass unconditionally until the beamline
// baton arbitration lands.
func (g *Guard) checkBaton(*messages.ScanQueueMessage) error { return nil }

// respond publishes the accept/reject decision under the request's own
// metadata, RID included.
func (g *Guard) respond(ctx context.Context, md messages.Metadata, rejection error) {
	var msg = &messages.RequestResponseMessage{
		Accepted: rejection == nil,
		Metadata: md,
	}
	if rejection != nil {
		msg.Message = rejection.Error()
	}
	var raw, err = messages.Encode(msg)
	if err != nil {
		g.log().WithField("err", err).Error("failed to encode request response")
		return
	}
	if err = g.conn.Publish(ctx, messages.QueueRequestResponse(), raw); err != nil {
		g.log().WithFields(log.Fields{
			"rid": md.RID(),
			"err": err,
		}).Error("failed to publish request response")
	}
}

// forward hands an accepted request to the queue manager.
func (g *Guard) forward(ctx context.Context, msg *messages.ScanQueueMessage) {
	var raw, err = messages.Encode(msg)
	if err != nil {
		g.log().WithField("err", err).Error("failed to encode accepted request")
		return
	}
	if err = g.conn.Publish(ctx, messages.QueueInsert(), raw); err != nil {
		g.log().WithFields(log.Fields{
			"rid": msg.Meta().RID(),
			"err": err,
		}).Error("failed to forward accepted request")
	}
}

func (g *Guard) log() *log.Entry {
	return log.WithField("component", "guard")
}

func floatOf(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return 0
}
