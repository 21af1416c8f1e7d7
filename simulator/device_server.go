// Package simulator is an in-process device-server speaking the fabric's
// full device contract: instructions, readbacks, staging, async streams,
// RPC results, and config requests. It backs tests and demo sessions where
// no beamline hardware exists.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/scanfabric/fabric/assembler"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/service"
)

// ServiceName is the heartbeat identity the scan worker gates on.
const ServiceName = "device_server"

// DeviceServer simulates the hardware side of the fabric for one device
// session.
type DeviceServer struct {
	conn    connector.Connector
	reg     *devices.Registry
	hb      *service.Heartbeat
	catalog []devices.Config

	mu        sync.Mutex
	positions map[string]float64
	flights   map[string]chan struct{}
	cancels   []connector.CancelFunc
}

// NewDeviceServer returns a simulator owning |catalog| as its device session.
func NewDeviceServer(conn connector.Connector, catalog []devices.Config) *DeviceServer {
	return &DeviceServer{
		conn:      conn,
		reg:       devices.NewRegistry(conn),
		hb:        service.NewHeartbeat(conn, ServiceName),
		catalog:   catalog,
		positions: make(map[string]float64),
		flights:   make(map[string]chan struct{}),
	}
}

func (s *DeviceServer) log() *log.Entry {
	return log.WithField("component", "device-server")
}

// Registry exposes the simulator's device session.
func (s *DeviceServer) Registry() *devices.Registry { return s.reg }

// Heartbeat exposes the simulator's liveness publisher, for task wiring.
func (s *DeviceServer) Heartbeat() *service.Heartbeat { return s.hb }

// Start publishes the device session, device infos and initial readbacks,
// marks the service RUNNING, and subscribes to instructions and config
// requests.
func (s *DeviceServer) Start(ctx context.Context) error {
	if err := s.publishSession(ctx); err != nil {
		return err
	}

	s.hb.SetStatus(messages.ServiceRunning)
	if err := s.hb.Beat(ctx); err != nil {
		return fmt.Errorf("publishing heartbeat: %w", err)
	}

	var cancelInstr, err = s.conn.Subscribe(ctx, messages.DeviceInstructions(), func(mo connector.MessageObject) {
		if msg, err := messages.DecodeAs[*messages.DeviceInstructionMessage](mo.Value); err == nil {
			s.handleInstruction(ctx, msg)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to instructions: %w", err)
	}
	cancelCfg, err := s.conn.Subscribe(ctx, messages.DeviceConfigRequest(), func(mo connector.MessageObject) {
		if msg, err := messages.DecodeAs[*messages.DeviceConfigMessage](mo.Value); err == nil {
			s.handleConfigRequest(ctx, msg)
		}
	})
	if err != nil {
		cancelInstr()
		return fmt.Errorf("subscribing to config requests: %w", err)
	}

	s.mu.Lock()
	s.cancels = append(s.cancels, cancelInstr, cancelCfg)
	s.mu.Unlock()

	s.log().WithField("devices", len(s.catalog)).Info("device server started")
	return nil
}

// Stop detaches the simulator from the broker.
func (s *DeviceServer) Stop() {
	s.mu.Lock()
	var cancels = s.cancels
	s.cancels = nil
	s.flights = make(map[string]chan struct{})
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// publishSession writes the catalog, loads the registry from it, and seeds
// per-device info and readbacks.
func (s *DeviceServer) publishSession(ctx context.Context) error {
	var raw, err = msgpack.Marshal(s.catalog)
	if err != nil {
		return fmt.Errorf("encoding device catalog: %w", err)
	}
	if err = s.conn.Set(ctx, messages.DeviceConfig(), raw, 0); err != nil {
		return fmt.Errorf("writing device config: %w", err)
	}
	if err = s.reg.Load(ctx); err != nil {
		return err
	}
	for _, dev := range s.reg.Enabled() {
		if err = s.publishInfo(ctx, dev); err != nil {
			return err
		}
		if dev.AcquisitionGroup() == "motor" {
			s.writeReadback(ctx, dev.Name(), 0)
		}
	}
	return nil
}

func (s *DeviceServer) publishInfo(ctx context.Context, dev *devices.Device) error {
	var msg = &messages.DeviceInfoMessage{
		Device: dev.Name(),
		Info: messages.Params{
			"device_class":     dev.Class(),
			"readout_priority": string(dev.ReadoutPriority()),
			"signals": messages.Params{
				dev.Name(): messages.Params{"kind": "hinted"},
			},
		},
	}
	var raw, err = messages.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding info of %s: %w", dev.Name(), err)
	}
	if err = s.conn.Set(ctx, messages.DeviceInfo(dev.Name()), raw, 0); err != nil {
		return fmt.Errorf("writing info of %s: %w", dev.Name(), err)
	}
	return nil
}

func (s *DeviceServer) handleInstruction(ctx context.Context, instr *messages.DeviceInstructionMessage) {
	instructionsTotal.WithLabelValues(instr.Action).Inc()

	switch instr.Action {
	case assembler.ActionSet:
		s.handleSet(ctx, instr)
	case assembler.ActionRead:
		s.handleRead(ctx, instr)
	case assembler.ActionTrigger:
		s.handleTrigger(ctx, instr)
	case assembler.ActionStage:
		for _, dev := range instr.Device {
			s.writeStaged(ctx, dev, 1)
		}
	case assembler.ActionUnstage:
		for _, dev := range instr.Device {
			s.writeStaged(ctx, dev, 0)
		}
	case assembler.ActionPreScan:
		for _, dev := range instr.Device {
			s.ack(ctx, dev, instr, true)
		}
	case assembler.ActionKickoff:
		s.handleKickoff(ctx, instr)
	case assembler.ActionComplete:
		s.handleComplete(ctx, instr)
	case assembler.ActionRPC:
		s.handleRPC(ctx, instr)
	}
}

// handleSet moves motors. Targets beyond the device's soft limits are
// refused with a failed acknowledgement, mirroring a controller fault.
func (s *DeviceServer) handleSet(ctx context.Context, instr *messages.DeviceInstructionMessage) {
	var target, _ = instr.Parameter.Float("value")
	for _, name := range instr.Device {
		var ok = true
		if dev, found := s.reg.Get(name); found {
			if low, high, active := dev.Limits(); active && low < high {
				ok = target >= low && target <= high
			}
		}
		if ok {
			s.mu.Lock()
			s.positions[name] = target
			s.mu.Unlock()
			s.writeReadback(ctx, name, target)
		}
		s.ack(ctx, name, instr, ok)
	}
}

func (s *DeviceServer) handleRead(ctx context.Context, instr *messages.DeviceInstructionMessage) {
	for _, name := range instr.Device {
		s.mu.Lock()
		var pos = s.positions[name]
		s.mu.Unlock()

		s.writeReadback(ctx, name, pos)
		s.publishRead(ctx, name, pos, instr.Metadata)

		// Async devices additionally stream their readings per scan, to
		// be merged into the master file at commit time.
		if dev, ok := s.reg.Get(name); ok && dev.IsAsync() {
			if scanID := instr.Meta().ScanID(); scanID != "" {
				s.streamAsync(ctx, name, scanID, pos)
			}
		}
		s.ack(ctx, name, instr, true)
	}
}

// handleTrigger exposes detectors: the reading appears on the device's read
// topic with the trigger's point metadata.
func (s *DeviceServer) handleTrigger(ctx context.Context, instr *messages.DeviceInstructionMessage) {
	for _, name := range instr.Device {
		var pointID, _ = instr.Meta().PointID()
		s.publishRead(ctx, name, float64(pointID)*10+1, instr.Metadata)
		s.ack(ctx, name, instr, true)
	}
}

// handleKickoff starts a flight: the flyer walks its configured positions on
// its own, publishing one reading per point, and completes on its own
// schedule.
func (s *DeviceServer) handleKickoff(ctx context.Context, instr *messages.DeviceInstructionMessage) {
	var cfg = instr.Parameter.Map("configure")
	for _, name := range instr.Device {
		var done = make(chan struct{})
		s.mu.Lock()
		s.flights[name] = done
		s.mu.Unlock()

		go s.fly(ctx, name, cfg, instr.Metadata.Copy(), done)
		s.ack(ctx, name, instr, true)
	}
}

func (s *DeviceServer) fly(ctx context.Context, flyer string, cfg messages.Params, md messages.Metadata, done chan struct{}) {
	defer close(done)

	var numPos, _ = cfg.Int("num_pos")
	var scanID = md.ScanID()
	var isAsync bool
	if dev, ok := s.reg.Get(flyer); ok {
		isAsync = dev.IsAsync()
	}

	for i := int64(0); i < numPos; i++ {
		var pos, ok = positionAt(cfg["positions"], i)
		if !ok {
			pos = float64(i)
		}
		s.mu.Lock()
		s.positions[flyer] = pos
		s.mu.Unlock()

		var pointMD = md.Copy()
		pointMD.SetPointID(i)
		s.writeReadback(ctx, flyer, pos)
		s.publishRead(ctx, flyer, pos, pointMD)
		if isAsync && scanID != "" {
			s.streamAsync(ctx, flyer, scanID, pos)
		}
	}
}

// handleComplete acknowledges once the flyer's flight finished.
func (s *DeviceServer) handleComplete(ctx context.Context, instr *messages.DeviceInstructionMessage) {
	for _, name := range instr.Device {
		s.mu.Lock()
		var done = s.flights[name]
		delete(s.flights, name)
		s.mu.Unlock()

		if done != nil {
			<-done
		}
		s.ack(ctx, name, instr, true)
	}
}

// handleRPC runs the named function and leaves its result under the call's
// rpc_id key. The simulator understands position getters; anything else is
// answered as a server-side rejection.
func (s *DeviceServer) handleRPC(ctx context.Context, instr *messages.DeviceInstructionMessage) {
	var fn, _ = instr.Parameter.String("func")
	var rpcID, _ = instr.Parameter.String("rpc_id")

	for _, name := range instr.Device {
		var result = &messages.DeviceRPCMessage{
			Device:   name,
			RPCID:    rpcID,
			Metadata: instr.Metadata.Copy(),
		}
		switch fn {
		case "read", "get", "readback.get", "user_setpoint.get":
			s.mu.Lock()
			result.ReturnVal = s.positions[name]
			s.mu.Unlock()
			result.Success = true
		case "stop":
			result.Success = true
		default:
			result.Out = fmt.Sprintf("AttributeError: %s has no function %s", name, fn)
		}

		var raw, err = messages.Encode(result)
		if err != nil {
			s.log().WithField("err", err).Error("failed to encode rpc result")
			continue
		}
		if err = s.conn.Set(ctx, messages.DeviceRPC(rpcID), raw, 0); err != nil {
			s.log().WithField("err", err).Error("failed to write rpc result")
		}
		s.ack(ctx, name, instr, result.Success)
	}
}

// handleConfigRequest validates and applies a config mutation, rebroadcasts
// it, and answers the requester under the request's RID.
func (s *DeviceServer) handleConfigRequest(ctx context.Context, msg *messages.DeviceConfigMessage) {
	var rid = msg.Meta().RID()
	var err = s.reg.Validate(msg)
	if err == nil {
		if err = s.reg.Apply(ctx, msg); err == nil {
			err = s.reg.Publish(ctx)
		}
	}
	if err == nil {
		if raw, encErr := messages.Encode(msg); encErr == nil {
			_ = s.conn.Publish(ctx, messages.DeviceConfigUpdate(), raw)
		}
	}

	if rid == "" {
		return
	}
	var resp = &messages.RequestResponseMessage{
		Accepted: err == nil,
		Metadata: msg.Meta().Copy(),
	}
	if err != nil {
		resp.Message = err.Error()
	}
	var raw, encErr = messages.Encode(resp)
	if encErr != nil {
		return
	}
	_ = s.conn.Set(ctx, messages.DeviceConfigRequestResponse(rid), raw, 10*time.Minute)
}

func (s *DeviceServer) ack(ctx context.Context, device string, instr *messages.DeviceInstructionMessage, success bool) {
	var raw, err = messages.Encode(&messages.DeviceReqStatusMessage{
		Device:   device,
		Success:  success,
		Metadata: instr.Metadata.Copy(),
	})
	if err != nil {
		return
	}
	_ = s.conn.SetAndPublish(ctx, messages.DeviceReqStatus(device), raw)
}

func (s *DeviceServer) writeReadback(ctx context.Context, device string, value float64) {
	var raw, err = messages.Encode(&messages.DeviceMessage{
		Signals: messages.SignalMap{device: {Value: value, Timestamp: unixSeconds()}},
	})
	if err != nil {
		return
	}
	_ = s.conn.SetAndPublish(ctx, messages.DeviceReadback(device), raw)
}

func (s *DeviceServer) publishRead(ctx context.Context, device string, value float64, md messages.Metadata) {
	var raw, err = messages.Encode(&messages.DeviceMessage{
		Signals:  messages.SignalMap{device: {Value: value, Timestamp: unixSeconds()}},
		Metadata: md.Copy(),
	})
	if err != nil {
		return
	}
	_ = s.conn.SetAndPublish(ctx, messages.DeviceRead(device), raw)
}

func (s *DeviceServer) streamAsync(ctx context.Context, device, scanID string, value float64) {
	var raw, err = messages.Encode(&messages.DeviceMessage{
		Signals: messages.SignalMap{device: {Value: value, Timestamp: unixSeconds()}},
	})
	if err != nil {
		return
	}
	_ = s.conn.XAdd(ctx, messages.DeviceAsyncReadback(scanID, device), raw)
}

func (s *DeviceServer) writeStaged(ctx context.Context, device string, status int64) {
	var raw, err = messages.Encode(&messages.DeviceStatusMessage{Device: device, Status: status})
	if err != nil {
		return
	}
	_ = s.conn.Set(ctx, messages.DeviceStaged(device), raw, 0)
}

func unixSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// positionAt picks the |i|-th trajectory position out of a decoded kickoff
// parameter. Positions survive the codec as nested lists of loose numbers;
// multi-axis points collapse to their first coordinate.
func positionAt(raw any, i int64) (float64, bool) {
	var list, ok = raw.([]any)
	if !ok || int(i) >= len(list) {
		return 0, false
	}
	switch v := list[i].(type) {
	case []any:
		if len(v) == 0 {
			return 0, false
		}
		return floatOf(v[0])
	default:
		return floatOf(v)
	}
}

func floatOf(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
