package guard

import (
	"context"
	"testing"
	"time"

	"github.com/scanfabric/fabric/assembler"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func newTestGuard(t *testing.T) (*Guard, *connector.Memory) {
	t.Helper()
	var ctx = context.Background()
	var conn = connector.NewMemory()

	var catalog = []devices.Config{
		{
			Name:        "samx",
			DeviceClass: "SimMotor",
			Enabled:     true,
			DeviceConfig: messages.Params{
				"limits": []any{-5.0, 5.0},
			},
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "motor",
				Schedule:         devices.ScheduleSync,
			},
		},
		{
			Name:        "samy",
			DeviceClass: "SimMotor",
			Enabled:     true,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "motor",
				Schedule:         devices.ScheduleSync,
			},
		},
		{
			Name:        "pinz",
			DeviceClass: "SimMotor",
			Enabled:     false,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "motor",
				Schedule:         devices.ScheduleSync,
			},
		},
	}
	var raw, err = msgpack.Marshal(catalog)
	require.NoError(t, err)
	require.NoError(t, conn.Set(ctx, messages.DeviceConfig(), raw, 0))

	var reg = devices.NewRegistry(conn)
	require.NoError(t, reg.Load(ctx))

	var asm = assembler.New(&assembler.Environment{Devices: reg})
	return New(conn, asm, reg), conn
}

// collect funnels decoded messages from a topic into a channel.
func collect[M messages.Message](t *testing.T, conn connector.Connector, topic string) <-chan M {
	t.Helper()
	var got = make(chan M, 8)
	var cancel, err = conn.Subscribe(context.Background(), topic, func(mo connector.MessageObject) {
		if msg, err := messages.DecodeAs[M](mo.Value); err == nil {
			got <- msg
		}
	})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return got
}

func recvWithin[M any](t *testing.T, ch <-chan M) M {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
	}
	var zero M
	return zero
}

func requireQuiet[M any](t *testing.T, ch <-chan M) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message: %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func scanRequest(scanType, rid string) *messages.ScanQueueMessage {
	var msg = &messages.ScanQueueMessage{ScanType: scanType, Queue: "primary"}
	msg.Meta().SetRID(rid)
	return msg
}

func TestAdmitForwardsAcceptedRequest(t *testing.T) {
	var ctx = context.Background()
	var g, conn = newTestGuard(t)
	defer conn.Close()

	var responses = collect[*messages.RequestResponseMessage](t, conn, messages.QueueRequestResponse())
	var inserts = collect[*messages.ScanQueueMessage](t, conn, messages.QueueInsert())

	var msg = scanRequest("grid_scan", "rid-1")
	msg.Parameter.Args.Add("samx", -5.0, 5.0, 3)
	require.NoError(t, g.Admit(ctx, msg))

	// Case: the requester is answered under its RID, and the request moves
	// on to the insert topic unchanged.
	var resp = recvWithin(t, responses)
	require.True(t, resp.Accepted)
	require.Empty(t, resp.Message)
	require.Equal(t, "rid-1", resp.Meta().RID())

	var fwd = recvWithin(t, inserts)
	require.Equal(t, "grid_scan", fwd.ScanType)
	require.Equal(t, "rid-1", fwd.Meta().RID())
	require.Equal(t, []string{"samx"}, fwd.Parameter.Args.Devices())
}

func TestRejectUnknownScanType(t *testing.T) {
	var ctx = context.Background()
	var g, conn = newTestGuard(t)
	defer conn.Close()

	var responses = collect[*messages.RequestResponseMessage](t, conn, messages.QueueRequestResponse())
	var inserts = collect[*messages.ScanQueueMessage](t, conn, messages.QueueInsert())

	var err = g.Admit(ctx, scanRequest("wobble_scan", "rid-1"))
	require.ErrorContains(t, err, `unknown scan type "wobble_scan"`)

	// Case: the rejection reaches the requester and nothing is enqueued.
	var resp = recvWithin(t, responses)
	require.False(t, resp.Accepted)
	require.Contains(t, resp.Message, "unknown scan type")
	require.Equal(t, "rid-1", resp.Meta().RID())
	requireQuiet(t, inserts)
}

func TestRejectMalformedArgs(t *testing.T) {
	var ctx = context.Background()
	var g, conn = newTestGuard(t)
	defer conn.Close()

	var responses = collect[*messages.RequestResponseMessage](t, conn, messages.QueueRequestResponse())

	// Case: a short device bundle is turned away with the scan's doc string,
	// so the requester sees the expected call shape.
	var msg = scanRequest("grid_scan", "rid-1")
	msg.Parameter.Args.Add("samx", 1.0)
	var err = g.Admit(ctx, msg)
	require.Error(t, err)

	var resp = recvWithin(t, responses)
	require.False(t, resp.Accepted)
	require.Contains(t, resp.Message, "positional arguments")
	require.Contains(t, resp.Message, "grid_scan")
}

func TestRejectUnequalPositionLists(t *testing.T) {
	var ctx = context.Background()
	var g, conn = newTestGuard(t)
	defer conn.Close()

	var responses = collect[*messages.RequestResponseMessage](t, conn, messages.QueueRequestResponse())
	var inserts = collect[*messages.ScanQueueMessage](t, conn, messages.QueueInsert())

	// Case: position lists of different lengths are turned away at admission,
	// before the requester is ever told yes.
	var msg = scanRequest("list_scan", "rid-1")
	msg.Parameter.Args.
		Add("samx", []any{0.0, 1.0, 2.0, 3.0, 4.0}).
		Add("samy", []any{0.0, 1.0, 2.0, 3.0})
	require.ErrorContains(t, g.Admit(ctx, msg), "must have the same length")

	var resp = recvWithin(t, responses)
	require.False(t, resp.Accepted)
	require.Contains(t, resp.Message, "same length")
	require.Equal(t, "rid-1", resp.Meta().RID())

	// Case: nothing is enqueued and the scan-number counter is untouched.
	requireQuiet(t, inserts)
	raw, err := conn.Get(ctx, messages.ScanNumber())
	require.NoError(t, err)
	require.Nil(t, raw)

	// Case: equal-length lists pass.
	msg = scanRequest("list_scan", "rid-2")
	msg.Parameter.Args.
		Add("samx", []any{0.0, 1.0}).
		Add("samy", []any{2.0, 3.0})
	require.NoError(t, g.Admit(ctx, msg))
	require.True(t, recvWithin(t, responses).Accepted)
}

func TestRejectDisabledOrUnknownDevice(t *testing.T) {
	var ctx = context.Background()
	var g, conn = newTestGuard(t)
	defer conn.Close()

	// Case: a disabled positional device is turned away.
	var msg = scanRequest("mv", "rid-1")
	msg.Parameter.Args.Add("pinz", 1.0)
	require.ErrorContains(t, g.Admit(ctx, msg), "pinz is not enabled")

	// Case: an unregistered positional device is turned away.
	msg = scanRequest("mv", "rid-2")
	msg.Parameter.Args.Add("ghost", 1.0)
	require.ErrorContains(t, g.Admit(ctx, msg), `unknown device "ghost"`)

	// Case: enabled devices pass.
	msg = scanRequest("mv", "rid-3")
	msg.Parameter.Args.Add("samx", 1.0).Add("samy", 2.0)
	require.NoError(t, g.Admit(ctx, msg))
}

func TestRejectTargetOutsideLimits(t *testing.T) {
	var ctx = context.Background()
	var g, conn = newTestGuard(t)
	defer conn.Close()

	// Case: a move target beyond the configured soft limits is turned away
	// before it reaches the queue.
	var msg = scanRequest("mv", "rid-1")
	msg.Parameter.Args.Add("samx", 7.0)
	require.ErrorContains(t, g.Admit(ctx, msg), "outside of range")

	// Case: scan ranges are checked against the same limits.
	msg = scanRequest("grid_scan", "rid-2")
	msg.Parameter.Args.Add("samx", -10.0, 5.0, 3)
	require.ErrorContains(t, g.Admit(ctx, msg), "outside of range")

	// Case: boundary positions pass, and integer arguments such as step
	// counts are not limit-checked.
	msg = scanRequest("grid_scan", "rid-3")
	msg.Parameter.Args.Add("samx", -5.0, 5.0, 100)
	require.NoError(t, g.Admit(ctx, msg))

	// Case: devices without configured limits are unconstrained.
	msg = scanRequest("mv", "rid-4")
	msg.Parameter.Args.Add("samy", 1e6)
	require.NoError(t, g.Admit(ctx, msg))
}

func TestRPCChecks(t *testing.T) {
	var ctx = context.Background()
	var g, conn = newTestGuard(t)
	defer conn.Close()

	var rpc = func(device string) *messages.ScanQueueMessage {
		var msg = scanRequest("device_rpc", "rid-1")
		msg.Parameter.Device = device
		msg.Parameter.Func = "read"
		msg.Parameter.RPCID = "rpc-1"
		return msg
	}

	// Case: an RPC must name an existing, enabled device.
	require.ErrorContains(t, g.Admit(ctx, rpc("")), "no device named")
	require.ErrorContains(t, g.Admit(ctx, rpc("ghost")), `unknown device "ghost"`)
	require.ErrorContains(t, g.Admit(ctx, rpc("pinz")), "pinz is not enabled")
	require.NoError(t, g.Admit(ctx, rpc("samx")))
}

func TestStartConsumesRequestTopic(t *testing.T) {
	var ctx = context.Background()
	var g, conn = newTestGuard(t)
	defer conn.Close()

	require.NoError(t, g.Start(ctx))
	defer g.Stop()

	var responses = collect[*messages.RequestResponseMessage](t, conn, messages.QueueRequestResponse())
	var inserts = collect[*messages.ScanQueueMessage](t, conn, messages.QueueInsert())

	// Case: requests published on the request topic are admitted end to end.
	var msg = scanRequest("grid_scan", "rid-1")
	msg.Parameter.Args.Add("samx", -5.0, 5.0, 3)
	require.NoError(t, conn.Publish(ctx, messages.QueueRequest(), messages.MustEncode(msg)))

	require.True(t, recvWithin(t, responses).Accepted)
	require.Equal(t, "rid-1", recvWithin(t, inserts).Meta().RID())

	// Case: after Stop, requests go unanswered.
	g.Stop()
	require.NoError(t, conn.Publish(ctx, messages.QueueRequest(), messages.MustEncode(msg)))
	requireQuiet(t, responses)
}
