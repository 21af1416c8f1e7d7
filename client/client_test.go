package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
)

func newTestClient(t *testing.T) (*Client, *connector.Memory) {
	t.Helper()
	var conn = connector.NewMemory()
	var c = New(conn)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, conn
}

// answerRequests plays the guard: every admission request is answered with
// the given decision under its own RID.
func answerRequests(t *testing.T, conn connector.Connector, accepted bool, reason string) {
	t.Helper()
	var ctx = context.Background()
	var cancel, err = conn.Subscribe(ctx, messages.QueueRequest(), func(mo connector.MessageObject) {
		var req, err = messages.DecodeAs[*messages.ScanQueueMessage](mo.Value)
		if err != nil {
			return
		}
		var resp = &messages.RequestResponseMessage{
			Accepted: accepted,
			Message:  reason,
			Metadata: req.Meta().Copy(),
		}
		_ = conn.Publish(ctx, messages.QueueRequestResponse(), messages.MustEncode(resp))
	})
	require.NoError(t, err)
	t.Cleanup(cancel)
}

func TestInterruptEscalation(t *testing.T) {
	var now = time.Unix(1000, 0)
	var ic = NewInterruptController()
	ic.now = func() time.Time { return now }

	// Case: a lone deferred interrupt asks for the gentle pause.
	require.Equal(t, messages.ActionDeferredPause, ic.Resolve(true))

	// Case: a second interrupt inside the window escalates.
	now = now.Add(3 * time.Second)
	require.Equal(t, messages.ActionPause, ic.Resolve(true))

	// Case: outside the window the gentle variant returns.
	now = now.Add(escalationWindow + time.Second)
	require.Equal(t, messages.ActionDeferredPause, ic.Resolve(true))

	// Case: a non-deferred interrupt is always an immediate pause.
	now = now.Add(escalationWindow + time.Second)
	require.Equal(t, messages.ActionPause, ic.Resolve(false))

	// Case: a reset forgets the history.
	now = now.Add(time.Second)
	ic.Reset()
	require.Equal(t, messages.ActionDeferredPause, ic.Resolve(true))
}

func TestQueueFacadeModificationRequests(t *testing.T) {
	var c, conn = newTestClient(t)
	var ctx = context.Background()

	var mods = make(chan *messages.ScanQueueModificationMessage, 8)
	var cancel, err = conn.Subscribe(ctx, messages.QueueModificationRequest(), func(mo connector.MessageObject) {
		if msg, err := messages.DecodeAs[*messages.ScanQueueModificationMessage](mo.Value); err == nil {
			mods <- msg
		}
	})
	require.NoError(t, err)
	t.Cleanup(cancel)

	require.NoError(t, c.Queue().RequestScanAbortion(ctx, "scan-1"))
	var mod = recvWithin(t, mods)
	require.Equal(t, messages.ActionAbort, mod.Action)
	require.Equal(t, messages.Strings{"scan-1"}, mod.ScanID)

	require.NoError(t, c.Queue().RequestQueueReset(ctx))
	mod = recvWithin(t, mods)
	require.Equal(t, messages.ActionClear, mod.Action)

	require.NoError(t, c.Queue().RequestScanContinuation(ctx))
	mod = recvWithin(t, mods)
	require.Equal(t, messages.ActionContinue, mod.Action)
}

func TestScanProxyValidation(t *testing.T) {
	var c, conn = newTestClient(t)
	var ctx = context.Background()

	var specs = map[string]messages.ScanSpec{
		"line_scan": {
			ClassName:      "LineScan",
			ArgInput:       []string{"device", "float", "float"},
			ArgBundleSize:  3,
			RequiredKwargs: []string{"steps", "exp_time"},
		},
	}
	var raw, err = msgpack.Marshal(specs)
	require.NoError(t, err)
	require.NoError(t, conn.Set(ctx, messages.AvailableScans(), raw, 0))

	scans, err := c.Scans(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"line_scan"}, scans.Available())

	proxy, err := scans.Open("line_scan")
	require.NoError(t, err)

	// Case: an unknown scan type never yields a proxy.
	_, err = scans.Open("spiral_scan")
	require.Error(t, err)

	// Case: a short device bundle is refused locally.
	var short = new(messages.ScanArgs).Add("samx", -1.0)
	_, err = proxy.Run(ctx, short, messages.Params{"steps": 3, "exp_time": 0.1})
	require.ErrorContains(t, err, "expected 2")

	// Case: a missing required kwarg is refused locally.
	var args = new(messages.ScanArgs).Add("samx", -1.0, 1.0)
	_, err = proxy.Run(ctx, args, messages.Params{"steps": 3})
	require.ErrorContains(t, err, "exp_time")

	// Case: a well-shaped request is published with a fresh RID and the
	// group metadata applied.
	var reqs = make(chan *messages.ScanQueueMessage, 4)
	cancel, err := conn.Subscribe(ctx, messages.QueueRequest(), func(mo connector.MessageObject) {
		if msg, err := messages.DecodeAs[*messages.ScanQueueMessage](mo.Value); err == nil {
			reqs <- msg
		}
	})
	require.NoError(t, err)
	t.Cleanup(cancel)

	report, err := proxy.Run(ctx, args,
		messages.Params{"steps": 3, "exp_time": 0.1},
		InGroup("group-1"), InScanDef("def-1"))
	require.NoError(t, err)
	require.NotEmpty(t, report.RID())

	var req = recvWithin(t, reqs)
	require.Equal(t, "line_scan", req.ScanType)
	require.Equal(t, report.RID(), req.Meta().RID())
	require.Equal(t, "group-1", req.Meta().QueueGroup())
	require.Equal(t, "def-1", req.Meta().ScanDefID())
	require.Equal(t, []string{"samx"}, req.Parameter.Args.Devices())
}

func TestWaitForDecisionRejection(t *testing.T) {
	var c, conn = newTestClient(t)
	var ctx = context.Background()
	answerRequests(t, conn, false, "device samx is not enabled")

	var msg = &messages.ScanQueueMessage{ScanType: "line_scan", Queue: "primary"}
	msg.Meta().SetRID("rid-reject")
	report, err := c.submit(ctx, msg)
	require.NoError(t, err)

	var waitCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = report.WaitForDecision(waitCtx)
	require.ErrorContains(t, err, "device samx is not enabled")
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
