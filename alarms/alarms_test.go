package alarms

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
	"github.com/stretchr/testify/require"
)

func TestRaiseRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var conn = connector.NewMemory()
	defer conn.Close()

	var handler = NewHandler()
	require.NoError(t, handler.Start(ctx, conn))
	defer handler.Stop()

	var pub = NewPublisher(conn, "scan_server")
	require.NoError(t, pub.Raise(ctx,
		messages.SeverityMajor,
		"FailedMovement",
		map[string]string{"device": "samx"},
		messages.Params{"error": "samx readback out of tolerance"},
		messages.Metadata{"scanID": "scan-1"},
	))

	// Case: the notification lands in the handler's stack.
	var alarm = waitForAlarm(t, handler, messages.SeverityMajor)
	require.Equal(t, "FailedMovement", alarm.Type())
	require.Equal(t, messages.SeverityMajor, alarm.Severity())

	// Case: the publisher stamps its service name without clobbering the
	// caller's source entries.
	require.Equal(t, map[string]string{
		"service": "scan_server",
		"device":  "samx",
	}, alarm.Source())

	// Case: the paired keyed write makes the last alarm recoverable.
	var raw, err = conn.Get(ctx, messages.Alarms())
	require.NoError(t, err)
	last, err := messages.DecodeAs[*messages.AlarmMessage](raw)
	require.NoError(t, err)
	require.Equal(t, "FailedMovement", last.AlarmType)
	require.Equal(t, "scan-1", last.Meta().ScanID())
}

func TestHandlerSeverityFiltering(t *testing.T) {
	var handler = NewHandler()

	handler.Add(&messages.AlarmMessage{Severity: messages.SeverityWarning, AlarmType: "StaleReadback"})
	handler.Add(&messages.AlarmMessage{Severity: messages.SeverityMinor, AlarmType: "WriterError"})
	handler.Add(&messages.AlarmMessage{Severity: messages.SeverityMajor, AlarmType: "ScanAbortion"})

	// Case: filtering is by minimum severity, newest first.
	var got = handler.Unhandled(messages.SeverityWarning)
	require.Len(t, got, 3)
	require.Equal(t, "ScanAbortion", got[0].Type())
	require.Equal(t, "WriterError", got[1].Type())
	require.Equal(t, "StaleReadback", got[2].Type())

	require.Len(t, handler.Unhandled(messages.SeverityMinor), 2)
	require.Len(t, handler.Unhandled(messages.SeverityMajor), 1)

	// Case: Unhandled does not consume; Next does.
	require.Len(t, handler.Unhandled(messages.SeverityMajor), 1)
	var next = handler.Next(messages.SeverityMajor)
	require.NotNil(t, next)
	require.Equal(t, "ScanAbortion", next.Type())
	require.Nil(t, handler.Next(messages.SeverityMajor))

	// Case: handled alarms stay on the stack but drop out of Unhandled.
	require.Equal(t, 3, handler.Len())
	require.Len(t, handler.Unhandled(messages.SeverityWarning), 2)

	handler.Clear()
	require.Equal(t, 0, handler.Len())
}

func TestHandlerStackBound(t *testing.T) {
	var handler = NewHandler()
	for i := 0; i != stackDepth+10; i++ {
		handler.Add(&messages.AlarmMessage{
			Severity:  messages.SeverityWarning,
			AlarmType: fmt.Sprintf("alarm-%d", i),
		})
	}

	// Case: the stack is bounded and keeps the newest alarms.
	require.Equal(t, stackDepth, handler.Len())
	var got = handler.Unhandled(messages.SeverityWarning)
	require.Equal(t, fmt.Sprintf("alarm-%d", stackDepth+9), got[0].Type())
	require.Equal(t, "alarm-10", got[len(got)-1].Type())
}

func TestAlarmIsAnError(t *testing.T) {
	var alarm = &Alarm{msg: &messages.AlarmMessage{
		Severity:  messages.SeverityMajor,
		AlarmType: "ScanAbortion",
		Source:    map[string]string{"service": "scan_server"},
		Content:   messages.Params{"error": "scan aborted by user"},
	}}

	// Case: severe alarms travel as plain Go errors.
	var err error = alarm
	require.Contains(t, err.Error(), "MAJOR")
	require.Contains(t, err.Error(), "ScanAbortion")
	require.Contains(t, err.Error(), "scan aborted by user")
}

func TestHandlerStopDetaches(t *testing.T) {
	var ctx = context.Background()
	var conn = connector.NewMemory()
	defer conn.Close()

	var handler = NewHandler()
	require.NoError(t, handler.Start(ctx, conn))

	var pub = NewPublisher(conn, "file_writer")
	require.NoError(t, pub.Raise(ctx, messages.SeverityMinor, "WriterError",
		nil, messages.Params{"error": "short write"}, nil))
	waitForAlarm(t, handler, messages.SeverityMinor)

	// Case: after Stop, further alarms are not collected.
	handler.Stop()
	require.NoError(t, pub.Raise(ctx, messages.SeverityMinor, "WriterError",
		nil, messages.Params{"error": "short write"}, nil))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, handler.Len())
}

func waitForAlarm(t *testing.T, h *Handler, min messages.Severity) *Alarm {
	t.Helper()
	var deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := h.Unhandled(min); len(got) != 0 {
			return got[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for alarm")
	return nil
}
