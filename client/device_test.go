package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
)

// answerRPCs plays the device-server: each accepted device_rpc request gets
// its result written under the call's rpc_id key.
func answerRPCs(t *testing.T, conn connector.Connector, result *messages.DeviceRPCMessage) <-chan *messages.ScanQueueMessage {
	t.Helper()
	var ctx = context.Background()
	var calls = make(chan *messages.ScanQueueMessage, 4)
	var cancel, err = conn.Subscribe(ctx, messages.QueueRequest(), func(mo connector.MessageObject) {
		var req, err = messages.DecodeAs[*messages.ScanQueueMessage](mo.Value)
		if err != nil || req.ScanType != "device_rpc" {
			return
		}
		calls <- req

		var resp = &messages.RequestResponseMessage{Accepted: true, Metadata: req.Meta().Copy()}
		_ = conn.Publish(ctx, messages.QueueRequestResponse(), messages.MustEncode(resp))

		var out = *result
		out.Device = req.Parameter.Device
		out.RPCID = req.Parameter.RPCID
		_ = conn.Set(ctx, messages.DeviceRPC(req.Parameter.RPCID), messages.MustEncode(&out), 0)
	})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return calls
}

func TestDeviceCallRoundTrip(t *testing.T) {
	var c, conn = newTestClient(t)
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls = answerRPCs(t, conn, &messages.DeviceRPCMessage{
		Success:   true,
		ReturnVal: 3.5,
	})

	// Case: a dotted-path call packages device, function and rpc_id.
	var ret, err = c.Device("samx").Field("user_setpoint").Call(ctx, "get", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 3.5, ret)

	var req = recvWithin(t, calls)
	require.Equal(t, "samx", req.Parameter.Device)
	require.Equal(t, "user_setpoint.get", req.Parameter.Func)
	require.NotEmpty(t, req.Parameter.RPCID)
	require.Equal(t, []any{}, req.Parameter.Args.List())
}

func TestDeviceCallServerRejection(t *testing.T) {
	var c, conn = newTestClient(t)
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	answerRPCs(t, conn, &messages.DeviceRPCMessage{
		Success: false,
		Out:     "AttributeError: samx has no function wiggle",
	})

	var _, err = c.Device("samx").Call(ctx, "wiggle", []any{1.0}, nil)
	require.ErrorContains(t, err, "Function call was rejected by the server")
	require.ErrorContains(t, err, "wiggle")
}

func TestDeviceCachedRead(t *testing.T) {
	var c, conn = newTestClient(t)
	var ctx = context.Background()

	var msg = &messages.DeviceMessage{
		Signals: messages.SignalMap{
			"samx": {Value: 1.25, Timestamp: 100},
		},
	}
	require.NoError(t, conn.Set(ctx, messages.DeviceRead("samx"), messages.MustEncode(msg), 0))

	// Case: a cached read returns the broker's last reading directly.
	var signals, err = c.Device("samx").Read(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1.25, signals["samx"].Value)

	// Case: a device that never read yields nothing, not an error.
	signals, err = c.Device("samy").Read(ctx, true)
	require.NoError(t, err)
	require.Nil(t, signals)
}

func TestDeviceInfoIsCached(t *testing.T) {
	var c, conn = newTestClient(t)
	var ctx = context.Background()

	var msg = &messages.DeviceInfoMessage{
		Device: "samx",
		Info:   messages.Params{"device_class": "SimMotor"},
	}
	require.NoError(t, conn.Set(ctx, messages.DeviceInfo("samx"), messages.MustEncode(msg), 0))

	var info, err = c.Device("samx").Info(ctx)
	require.NoError(t, err)
	var class, _ = info.String("device_class")
	require.Equal(t, "SimMotor", class)

	// Case: the second lookup is served from the cache.
	require.NoError(t, conn.Delete(ctx, messages.DeviceInfo("samx")))
	info, err = c.Device("samx").Info(ctx)
	require.NoError(t, err)
	class, _ = info.String("device_class")
	require.Equal(t, "SimMotor", class)
}
