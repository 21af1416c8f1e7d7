package queue

import (
	"context"
	"testing"
	"time"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
	"github.com/stretchr/testify/require"
)

func statusSnapshot(t *testing.T, conn connector.Connector) *messages.ScanQueueStatusMessage {
	t.Helper()
	var raw, err = conn.Get(context.Background(), messages.QueueStatus())
	require.NoError(t, err)
	require.NotNil(t, raw, "no queue status was published")
	msg, err := messages.DecodeAs[*messages.ScanQueueStatusMessage](raw)
	require.NoError(t, err)
	return msg
}

func TestInsertPublishesSnapshot(t *testing.T) {
	var ctx = context.Background()
	var mgr, conn = newTestManager(Config{})
	defer conn.Close()

	require.NoError(t, mgr.Insert(ctx, gridMsg("rid-1")))
	require.NoError(t, mgr.Insert(ctx, mvMsg("rid-2")))

	// Case: every insert set-and-publishes the full snapshot, so a single
	// keyed read recovers the queue state.
	var snap = statusSnapshot(t, conn).Queue["primary"]
	require.Equal(t, StatusRunning, snap.Status)
	require.Len(t, snap.Info, 2)

	var scan = snap.Info[0]
	require.Equal(t, messages.QueueItemPending, scan.Status)
	require.Equal(t, int64(-1), scan.ActiveRequestBlock)
	require.Len(t, scan.RequestBlocks, 1)
	require.Equal(t, "rid-1", scan.RequestBlocks[0].RID)
	require.Equal(t, "grid_scan", scan.RequestBlocks[0].ScanType)
	require.NotEmpty(t, scan.ScanIDs[0])
	require.True(t, scan.IsScan[0])

	// Case: a move carries no scanID but keeps the parallel slices filled.
	var move = snap.Info[1]
	require.Equal(t, "rid-2", move.RequestBlocks[0].RID)
	require.Empty(t, move.ScanIDs[0])
	require.False(t, move.IsScan[0])
}

func TestInsertRejectionRaisesAlarm(t *testing.T) {
	var ctx = context.Background()
	var mgr, conn = newTestManager(Config{})
	defer conn.Close()

	var msg = &messages.ScanQueueMessage{ScanType: "wobble_scan", Queue: "primary"}
	msg.Meta().SetRID("rid-9")

	// Case: a request the assembler cannot build never enters the queue.
	var err = mgr.Insert(ctx, msg)
	require.ErrorContains(t, err, "unknown scan type")
	require.Empty(t, mgr.Queue("").Items())

	// Case: the rejection is raised as a MAJOR alarm carrying the RID, the
	// only channel left once the request was already accepted.
	raw, err := conn.Get(ctx, messages.Alarms())
	require.NoError(t, err)
	alarm, err := messages.DecodeAs[*messages.AlarmMessage](raw)
	require.NoError(t, err)
	require.Equal(t, messages.SeverityMajor, alarm.Severity)
	require.Equal(t, "ScanAbortion", alarm.AlarmType)
	require.Equal(t, "rid-9", alarm.Source["RID"])
}

func TestManagerConsumesTopics(t *testing.T) {
	var ctx = context.Background()
	var mgr, conn = newTestManager(Config{})
	defer conn.Close()

	require.NoError(t, mgr.Start(ctx))
	defer mgr.Stop()

	// Case: Start publishes the initial empty snapshot.
	var snap = statusSnapshot(t, conn).Queue["primary"]
	require.Equal(t, StatusRunning, snap.Status)
	require.Empty(t, snap.Info)

	// Case: requests arriving on the insert topic are enqueued.
	require.NoError(t, conn.Publish(ctx, messages.QueueInsert(), messages.MustEncode(gridMsg("rid-1"))))
	require.Eventually(t, func() bool {
		return len(mgr.Queue("").Items()) == 1
	}, time.Second, time.Millisecond)

	// Case: modifications arriving on the modification topic are applied.
	var mod = &messages.ScanQueueModificationMessage{Action: messages.ActionPause}
	require.NoError(t, conn.Publish(ctx, messages.QueueModificationRequest(), messages.MustEncode(mod)))
	require.Eventually(t, func() bool {
		return mgr.Queue("").Status() == StatusPaused
	}, time.Second, time.Millisecond)

	// Case: after Stop, broker traffic no longer reaches the queues.
	mgr.Stop()
	require.NoError(t, conn.Publish(ctx, messages.QueueInsert(), messages.MustEncode(gridMsg("rid-2"))))
	time.Sleep(20 * time.Millisecond)
	require.Len(t, mgr.Queue("").Items(), 1)
}

func TestModificationFlow(t *testing.T) {
	var ctx = context.Background()
	var mgr, conn = newTestManager(Config{})
	defer conn.Close()
	var q = mgr.Queue("")

	require.NoError(t, mgr.Insert(ctx, gridMsg("rid-1")))
	var item, err = q.Next(ctx)
	require.NoError(t, err)

	var modify = func(action string) {
		require.NoError(t, mgr.Modify(ctx, &messages.ScanQueueModificationMessage{Action: action}))
	}

	// Case: pause parks the queue and the active item, and the published
	// snapshot reflects both.
	modify(messages.ActionPause)
	require.Equal(t, StatusPaused, q.Status())
	require.Equal(t, messages.QueueItemPaused, item.Status())
	var snap = statusSnapshot(t, conn).Queue["primary"]
	require.Equal(t, StatusPaused, snap.Status)
	require.Equal(t, messages.QueueItemPaused, snap.Info[0].Status)

	modify(messages.ActionContinue)
	require.Equal(t, StatusRunning, q.Status())
	require.Equal(t, messages.QueueItemRunning, item.Status())

	// Case: a deferred pause leaves the worker running to its checkpoint.
	modify(messages.ActionDeferredPause)
	require.Equal(t, messages.QueueItemDeferredPause, item.Status())
	modify(messages.ActionContinue)
	require.Equal(t, messages.QueueItemRunning, item.Status())

	// Case: abort stops the item but keeps the queue running, so the next
	// submitted request proceeds normally.
	modify(messages.ActionAbort)
	require.Equal(t, messages.QueueItemStopped, item.Status())
	require.False(t, item.Halted())
	require.Equal(t, StatusRunning, q.Status())
	require.NoError(t, q.Finish(ctx, item))

	// Case: halt stops like abort and marks the item to skip cleanup.
	require.NoError(t, mgr.Insert(ctx, gridMsg("rid-2")))
	item, err = q.Next(ctx)
	require.NoError(t, err)
	modify(messages.ActionHalt)
	require.Equal(t, messages.QueueItemStopped, item.Status())
	require.True(t, item.Halted())
	require.NoError(t, q.Finish(ctx, item))

	// Case: clear discards everything pending.
	require.NoError(t, mgr.Insert(ctx, gridMsg("rid-3")))
	require.NoError(t, mgr.Insert(ctx, gridMsg("rid-4")))
	modify(messages.ActionClear)
	require.Empty(t, q.Items())

	var history, err2 = mgr.History(ctx, 0)
	require.NoError(t, err2)
	require.Len(t, history, 4)
	for _, info := range history {
		require.Equal(t, messages.QueueItemStopped, info.Status)
	}
}

func TestModificationRoutesByScanID(t *testing.T) {
	var ctx = context.Background()
	var mgr, conn = newTestManager(Config{})
	defer conn.Close()

	var second = gridMsg("rid-1")
	second.Queue = "secondary"
	require.NoError(t, mgr.Insert(ctx, second))
	require.NoError(t, mgr.Insert(ctx, gridMsg("rid-2")))

	// Case: inserts land on their named queue, created on first use.
	var status = statusSnapshot(t, conn)
	require.Len(t, status.Queue["secondary"].Info, 1)
	require.Len(t, status.Queue["primary"].Info, 1)

	// Case: a modification naming a scanID touches only the queue holding
	// it.
	var scanID = mgr.Queue("secondary").Items()[0].Blocks()[0].ScanID()
	require.NoError(t, mgr.Modify(ctx, &messages.ScanQueueModificationMessage{
		ScanID: messages.Strings{scanID},
		Action: messages.ActionPause,
	}))
	require.Equal(t, StatusPaused, mgr.Queue("secondary").Status())
	require.Equal(t, StatusRunning, mgr.Queue("").Status())

	// Case: a modification naming no scanID applies everywhere.
	require.NoError(t, mgr.Modify(ctx, &messages.ScanQueueModificationMessage{
		Action: messages.ActionContinue,
	}))
	require.Equal(t, StatusRunning, mgr.Queue("secondary").Status())
	require.Equal(t, StatusRunning, mgr.Queue("").Status())
}

func TestModifyUnknownAction(t *testing.T) {
	var ctx = context.Background()
	var mgr, conn = newTestManager(Config{})
	defer conn.Close()

	var err = mgr.Modify(ctx, &messages.ScanQueueModificationMessage{Action: "defenestrate"})
	require.ErrorContains(t, err, `unknown queue modification action "defenestrate"`)
}

func TestRestartAnswersRID(t *testing.T) {
	var ctx = context.Background()
	var mgr, conn = newTestManager(Config{})
	defer conn.Close()
	var q = mgr.Queue("")

	require.NoError(t, mgr.Insert(ctx, gridMsg("rid-1")))
	var scanID = q.Items()[0].Blocks()[0].ScanID()

	var got = make(chan *messages.RequestResponseMessage, 2)
	cancel, err := conn.Subscribe(ctx, messages.QueueRequestResponse(), func(mo connector.MessageObject) {
		if resp, err := messages.DecodeAs[*messages.RequestResponseMessage](mo.Value); err == nil {
			got <- resp
		}
	})
	require.NoError(t, err)
	defer cancel()

	// Case: a restart is acknowledged on the request-response topic under
	// the RID its parameters carry.
	require.NoError(t, mgr.Modify(ctx, &messages.ScanQueueModificationMessage{
		ScanID:    messages.Strings{scanID},
		Action:    messages.ActionRestart,
		Parameter: messages.Params{"RID": "restart-1"},
	}))

	select {
	case resp := <-got:
		require.True(t, resp.Accepted)
		require.Contains(t, resp.Message, "restarting queue item")
		require.Equal(t, "restart-1", resp.Meta().RID())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the restart response")
	}

	// Case: the rebuilt item replaces the original at the queue head, under
	// a fresh scanID but the original request RID.
	var items = q.Items()
	require.Len(t, items, 1)
	require.Equal(t, messages.QueueItemPending, items[0].Status())
	require.Equal(t, "rid-1", items[0].Blocks()[0].RID())
	require.NotEqual(t, scanID, items[0].Blocks()[0].ScanID())

	// Case: restarting an unknown scanID is rejected under its RID.
	var modErr = mgr.Modify(ctx, &messages.ScanQueueModificationMessage{
		ScanID:    messages.Strings{"no-such-scan"},
		Action:    messages.ActionRestart,
		Parameter: messages.Params{"RID": "restart-2"},
	})
	require.ErrorContains(t, modErr, "no queue item found")

	select {
	case resp := <-got:
		require.False(t, resp.Accepted)
		require.Contains(t, resp.Message, "no queue item found")
		require.Equal(t, "restart-2", resp.Meta().RID())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the rejection response")
	}
}

func TestHistoryBounded(t *testing.T) {
	var ctx = context.Background()
	var mgr, conn = newTestManager(Config{HistoryDepth: 2})
	defer conn.Close()
	var q = mgr.Queue("")

	for _, rid := range []string{"rid-1", "rid-2", "rid-3"} {
		require.NoError(t, mgr.Insert(ctx, gridMsg(rid)))
		var item, err = q.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Finish(ctx, item))
	}

	// Case: the broker history holds the newest items up to the configured
	// depth, newest first.
	var history, err = mgr.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "rid-3", history[0].RequestBlocks[0].RID)
	require.Equal(t, "rid-2", history[1].RequestBlocks[0].RID)

	// Case: a smaller read limit trims the result.
	history, err = mgr.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "rid-3", history[0].RequestBlocks[0].RID)
}
