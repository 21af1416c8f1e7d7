package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scanfabric/fabric/messages"
)

// rpcPollInterval paces the wait for an RPC result key.
var rpcPollInterval = 50 * time.Millisecond

// DeviceHandle addresses one device, or a dotted sub-object of it. Handles
// are immutable; Field derives a deeper handle.
type DeviceHandle struct {
	c      *Client
	device string
	path   []string
}

// Field returns a handle on the named sub-object, extending the dotted path.
func (h *DeviceHandle) Field(name string) *DeviceHandle {
	return &DeviceHandle{
		c:      h.c,
		device: h.device,
		path:   append(append([]string(nil), h.path...), name),
	}
}

// Name returns the device name.
func (h *DeviceHandle) Name() string { return h.device }

// dotted joins the sub-object path with |fn| into the remote function name.
func (h *DeviceHandle) dotted(fn string) string {
	if len(h.path) == 0 {
		return fn
	}
	return strings.Join(h.path, ".") + "." + fn
}

// Call runs the named function on the remote device. The request travels the
// regular admission path: it is validated by the guard, queued, and executed
// by the device-server, which leaves the result under the call's rpc_id key.
func (h *DeviceHandle) Call(ctx context.Context, fn string, args []any, kwargs messages.Params) (any, error) {
	var rpcID = uuid.NewString()
	var msg = &messages.ScanQueueMessage{
		ScanType: "device_rpc",
		Parameter: messages.ScanParameter{
			Device: h.device,
			Func:   h.dotted(fn),
			RPCID:  rpcID,
			Args:   *new(messages.ScanArgs).SetList(args...),
			Kwargs: kwargs,
		},
		Queue: "primary",
	}
	msg.Meta().SetRID(uuid.NewString())

	var report, err = h.c.submit(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err = report.WaitForDecision(ctx); err != nil {
		return nil, err
	}
	return h.awaitRPC(ctx, rpcID)
}

// awaitRPC polls the result key of |rpcID| until the device-server answered.
func (h *DeviceHandle) awaitRPC(ctx context.Context, rpcID string) (any, error) {
	var ticker = time.NewTicker(rpcPollInterval)
	defer ticker.Stop()

	for {
		var raw, err = h.c.conn.Get(ctx, messages.DeviceRPC(rpcID))
		if err != nil {
			return nil, fmt.Errorf("reading rpc result: %w", err)
		}
		if raw != nil {
			msg, err := messages.DecodeAs[*messages.DeviceRPCMessage](raw)
			if err != nil {
				return nil, fmt.Errorf("decoding rpc result: %w", err)
			}
			if !msg.Success {
				return nil, fmt.Errorf("Function call was rejected by the server: %v", msg.Out)
			}
			return msg.ReturnVal, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Read returns the device's current readings. With |cached| the broker's
// last published reading is returned directly; otherwise a fresh read RPC
// runs on the device-server.
func (h *DeviceHandle) Read(ctx context.Context, cached bool) (messages.SignalMap, error) {
	if !cached {
		if _, err := h.Call(ctx, "read", nil, nil); err != nil {
			return nil, err
		}
	}
	var raw, err = h.c.conn.Get(ctx, messages.DeviceRead(h.device))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", h.device, err)
	}
	if raw == nil {
		return nil, nil
	}
	msg, err := messages.DecodeAs[*messages.DeviceMessage](raw)
	if err != nil {
		return nil, fmt.Errorf("decoding reading of %s: %w", h.device, err)
	}
	return msg.Signals, nil
}

// Readback returns the device's cached readback value, the "wm"-style
// position snapshot.
func (h *DeviceHandle) Readback(ctx context.Context) (messages.SignalMap, error) {
	var raw, err = h.c.conn.Get(ctx, messages.DeviceReadback(h.device))
	if err != nil {
		return nil, fmt.Errorf("reading back %s: %w", h.device, err)
	}
	if raw == nil {
		return nil, nil
	}
	msg, err := messages.DecodeAs[*messages.DeviceMessage](raw)
	if err != nil {
		return nil, fmt.Errorf("decoding readback of %s: %w", h.device, err)
	}
	return msg.Signals, nil
}

// Info returns the device's published description. Results are cached; the
// description only changes on a config update, which is rare.
func (h *DeviceHandle) Info(ctx context.Context) (messages.Params, error) {
	if info, ok := h.c.infoCache.Get(h.device); ok {
		return info, nil
	}
	var raw, err = h.c.conn.Get(ctx, messages.DeviceInfo(h.device))
	if err != nil {
		return nil, fmt.Errorf("reading info of %s: %w", h.device, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("no device info published for %s", h.device)
	}
	msg, err := messages.DecodeAs[*messages.DeviceInfoMessage](raw)
	if err != nil {
		return nil, fmt.Errorf("decoding info of %s: %w", h.device, err)
	}
	h.c.infoCache.Add(h.device, msg.Info)
	return msg.Info, nil
}
