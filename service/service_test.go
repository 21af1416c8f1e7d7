package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
)

func TestHeartbeatBeat(t *testing.T) {
	var ctx = context.Background()
	var conn = connector.NewMemory()
	var hb = NewHeartbeat(conn, "scan_server")

	var beats = make(chan *messages.ServiceStatusMessage, 4)
	var cancel, err = conn.Subscribe(ctx, messages.ServiceStatus("scan_server"), func(mo connector.MessageObject) {
		if msg, err := messages.DecodeAs[*messages.ServiceStatusMessage](mo.Value); err == nil {
			beats <- msg
		}
	})
	require.NoError(t, err)
	t.Cleanup(cancel)

	// Case: the first beat advertises INIT.
	require.NoError(t, hb.Beat(ctx))
	var msg = recvWithin(t, beats)
	require.Equal(t, "scan_server", msg.Name)
	require.Equal(t, messages.ServiceInit, msg.Status)

	// Case: the status key is readable until its TTL lapses.
	raw, err := conn.Get(ctx, messages.ServiceStatus("scan_server"))
	require.NoError(t, err)
	require.NotNil(t, raw)

	// Case: a status change rides the next beat.
	hb.SetStatus(messages.ServiceRunning)
	require.NoError(t, hb.Beat(ctx))
	msg = recvWithin(t, beats)
	require.Equal(t, messages.ServiceRunning, msg.Status)
}

func TestPidfileRoundTrip(t *testing.T) {
	var dir = t.TempDir()

	// Case: a missing pidfile reads as not-running.
	var _, err = ReadPidfile(dir, "scan_server")
	require.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(PidfilePath(dir, "scan_server"), []byte("12345\n"), 0o644))
	pid, err := ReadPidfile(dir, "scan_server")
	require.NoError(t, err)
	require.Equal(t, 12345, pid)

	// Case: garbage in the pidfile is an explicit error.
	require.NoError(t, os.WriteFile(PidfilePath(dir, "bundler"), []byte("not-a-pid"), 0o644))
	_, err = ReadPidfile(dir, "bundler")
	require.ErrorContains(t, err, "malformed pidfile")
}

func TestStartAndStopDetached(t *testing.T) {
	var dir = t.TempDir()

	var pid, err = StartDetached(dir, "sleeper", "sleep", "30")
	require.NoError(t, err)
	require.True(t, Alive(pid))

	// Case: a second start of a live service is refused.
	_, err = StartDetached(dir, "sleeper", "sleep", "30")
	require.ErrorContains(t, err, "already running")

	require.NoError(t, StopDetached(dir, "sleeper", 5*time.Second))
	require.False(t, Alive(pid))

	// Case: stopping again reports not-running.
	err = StopDetached(dir, "sleeper", time.Second)
	require.ErrorContains(t, err, "not running")
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
