package simulator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/scanfabric/fabric/client"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/writer"
)

func stepCatalog() []devices.Config {
	return []devices.Config{
		{
			Name:        "samx",
			DeviceClass: "SimMotor",
			Enabled:     true,
			DeviceConfig: messages.Params{
				"limits":    []any{-50.0, 50.0},
				"tolerance": 0.5,
			},
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "motor",
				Schedule:         devices.ScheduleSync,
			},
		},
		{
			Name:        "bpm4i",
			DeviceClass: "SimMonitor",
			Enabled:     true,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "monitor",
				Schedule:         devices.ScheduleSync,
			},
		},
		{
			Name:        "rtx",
			DeviceClass: "SimTemperature",
			Enabled:     true,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityBaseline,
				AcquisitionGroup: "status",
				Schedule:         devices.ScheduleSync,
			},
		},
	}
}

func flyCatalog() []devices.Config {
	return []devices.Config{
		{
			Name:        "flyer",
			DeviceClass: "SimFlyer",
			Enabled:     true,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "motor",
				Schedule:         devices.ScheduleSync,
			},
		},
		{
			Name:        "rtx",
			DeviceClass: "SimTemperature",
			Enabled:     true,
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityBaseline,
				AcquisitionGroup: "status",
				Schedule:         devices.ScheduleSync,
			},
		},
	}
}

// startTestFabric brings up a full in-process fabric plus a connected client.
func startTestFabric(t *testing.T, catalog []devices.Config) (*Cluster, *client.Client, string) {
	t.Helper()
	var ctx = context.Background()
	var conn = connector.NewMemory()
	var dataDir = t.TempDir()

	var cluster, err = StartCluster(ctx, conn, ClusterConfig{
		Catalog:      catalog,
		DataDir:      dataDir,
		PollInterval: 2 * time.Millisecond,
		WaitTimeout:  10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(cluster.Stop)

	var cli = client.New(conn)
	require.NoError(t, cli.Start(ctx))
	t.Cleanup(cli.Stop)

	return cluster, cli, dataDir
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	var deadline = time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClusterLineScanEndToEnd(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var _, cli, _ = startTestFabric(t, stepCatalog())

	var scans, err = cli.Scans(ctx)
	require.NoError(t, err)
	proxy, err := scans.Open("line_scan")
	require.NoError(t, err)

	var args = new(messages.ScanArgs).Add("samx", -1.0, 1.0)
	report, err := proxy.Run(ctx, args, messages.Params{"steps": int64(3)})
	require.NoError(t, err)
	require.NoError(t, report.WaitForDecision(ctx))
	require.NoError(t, report.WaitForCompletion(ctx))

	// Case: the scan closed with its full point grid assembled.
	var scan, ok = report.Scan()
	require.True(t, ok)
	require.Equal(t, messages.ScanStatusClosed, scan.Status)
	require.Equal(t, int64(3), scan.NumPoints)
	waitUntil(t, func() bool {
		s, _ := report.Scan()
		return s.SegmentCount == 3
	}, "all scan segments")

	// Case: every point's row reached the client with both monitored devices.
	for pointID := int64(0); pointID < 3; pointID++ {
		seg, ok := cli.Correlator().Segment(scan.ScanID, pointID)
		require.True(t, ok, "segment %d", pointID)
		require.Contains(t, seg.Data, "samx")
		require.Contains(t, seg.Data, "bpm4i")
	}

	// Case: the motor walked its trajectory and parked at the stop position.
	rb, err := cli.Device("samx").Readback(ctx)
	require.NoError(t, err)
	require.Equal(t, 1.0, rb["samx"].Value)
}

func TestClusterWritesMasterFile(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var cluster, cli, _ = startTestFabric(t, stepCatalog())

	var scans, err = cli.Scans(ctx)
	require.NoError(t, err)
	proxy, err := scans.Open("line_scan")
	require.NoError(t, err)

	report, err := proxy.Run(ctx,
		new(messages.ScanArgs).Add("samx", 0.0, 2.0), messages.Params{"steps": int64(2)})
	require.NoError(t, err)
	require.NoError(t, report.WaitForCompletion(ctx))

	var scan, _ = report.Scan()
	var fileKey = messages.PublicFile(scan.ScanID, "master")

	// Case: the writer announces the committed master file with a checksum,
	// and the file verifies against it.
	var final *messages.FileMessage
	waitUntil(t, func() bool {
		raw, err := cluster.Conn.Get(ctx, fileKey)
		if err != nil || raw == nil {
			return false
		}
		msg, err := messages.DecodeAs[*messages.FileMessage](raw)
		if err != nil || !msg.Done {
			return false
		}
		final = msg
		return true
	}, "master file announcement")

	require.True(t, final.Successful)
	var _, statErr = os.Stat(final.FilePath)
	require.NoError(t, statErr)

	sum, err := writer.FileChecksum(final.FilePath)
	require.NoError(t, err)
	checksum, _ := final.Meta()["checksum"].(string)
	require.Equal(t, checksum, sum)
}

func TestClusterFlyScan(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var _, cli, _ = startTestFabric(t, flyCatalog())

	var scans, err = cli.Scans(ctx)
	require.NoError(t, err)
	proxy, err := scans.Open("round_scan_fly")
	require.NoError(t, err)

	report, err := proxy.Run(ctx,
		new(messages.ScanArgs).Add("flyer", 1.0, 3.0, int64(2), int64(3)), nil)
	require.NoError(t, err)
	require.NoError(t, report.WaitForCompletion(ctx))

	// Case: the flyer produced one segment per trajectory position on its
	// own schedule, without per-point instructions.
	var scan, ok = report.Scan()
	require.True(t, ok)
	require.Equal(t, messages.ScanStatusClosed, scan.Status)
	require.Greater(t, scan.NumPoints, int64(0))
	waitUntil(t, func() bool {
		s, _ := report.Scan()
		return int64(s.SegmentCount) == scan.NumPoints
	}, "fly scan segments")
}

func TestClusterMoveAndRPC(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var _, cli, _ = startTestFabric(t, stepCatalog())

	var scans, err = cli.Scans(ctx)
	require.NoError(t, err)
	proxy, err := scans.Open("mv")
	require.NoError(t, err)

	report, err := proxy.Run(ctx, new(messages.ScanArgs).Add("samx", 2.5), nil)
	require.NoError(t, err)
	require.NoError(t, report.WaitForDecision(ctx))

	// Case: the move completes as a queue item and the motor reports the
	// target position.
	waitUntil(t, func() bool {
		item, ok := cli.Correlator().QueueItem(report.RID())
		return ok && item.Status == messages.QueueItemCompleted
	}, "move completion")

	ret, err := cli.Device("samx").Call(ctx, "get", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2.5, ret)

	// Case: an unknown function comes back as a server-side rejection.
	_, err = cli.Device("samx").Call(ctx, "explode", nil, nil)
	require.ErrorContains(t, err, "rejected by the server")
}

func TestClusterConfigRequestRoundTrip(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var cluster, _, _ = startTestFabric(t, stepCatalog())

	var rid = uuid.NewString()
	var msg = &messages.DeviceConfigMessage{
		Action: messages.ConfigActionUpdate,
		Config: map[string]messages.Params{
			"bpm4i": {"enabled": false},
		},
	}
	msg.Meta().SetRID(rid)
	var raw, err = messages.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, cluster.Conn.Publish(ctx, messages.DeviceConfigRequest(), raw))

	// Case: the device server answers under the request's RID.
	var respKey = messages.DeviceConfigRequestResponse(rid)
	waitUntil(t, func() bool {
		raw, err := cluster.Conn.Get(ctx, respKey)
		return err == nil && raw != nil
	}, "config response")
	rawResp, err := cluster.Conn.Get(ctx, respKey)
	require.NoError(t, err)
	resp, err := messages.DecodeAs[*messages.RequestResponseMessage](rawResp)
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	// Case: the update broadcast reaches the scan-side registry.
	waitUntil(t, func() bool {
		dev, ok := cluster.Registry.Get("bpm4i")
		return ok && !dev.Enabled()
	}, "config broadcast")

	// Case: a request against an unknown device is refused with a reason.
	rid = uuid.NewString()
	msg = &messages.DeviceConfigMessage{
		Action: messages.ConfigActionUpdate,
		Config: map[string]messages.Params{"ghost": {"enabled": true}},
	}
	msg.Meta().SetRID(rid)
	raw, err = messages.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, cluster.Conn.Publish(ctx, messages.DeviceConfigRequest(), raw))

	respKey = messages.DeviceConfigRequestResponse(rid)
	waitUntil(t, func() bool {
		raw, err := cluster.Conn.Get(ctx, respKey)
		return err == nil && raw != nil
	}, "rejection response")
	rawResp, err = cluster.Conn.Get(ctx, respKey)
	require.NoError(t, err)
	resp, err = messages.DecodeAs[*messages.RequestResponseMessage](rawResp)
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.Contains(t, resp.Message, "does not exist")
}
