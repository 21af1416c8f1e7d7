package simulator

import (
	"context"
	"time"

	"github.com/scanfabric/fabric/alarms"
	"github.com/scanfabric/fabric/assembler"
	"github.com/scanfabric/fabric/bundler"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/guard"
	"github.com/scanfabric/fabric/queue"
	"github.com/scanfabric/fabric/worker"
	"github.com/scanfabric/fabric/writer"
)

// ClusterConfig tunes an in-process fabric.
type ClusterConfig struct {
	// Catalog is the simulated device session.
	Catalog []devices.Config
	// DataDir is where the file writer commits master files. Empty disables
	// the writer.
	DataDir string
	// PollInterval paces the worker's broker polls. Zero means 5ms, tight
	// enough for tests.
	PollInterval time.Duration
	// WaitTimeout bounds each device wait of the worker.
	WaitTimeout time.Duration
	// Emitters receive assembled scan data. Nil means the fabric and
	// bluesky emitters over the cluster's connector.
	Emitters []bundler.Emitter
}

// Cluster is a complete fabric running in one process over one connector:
// simulated device server, guard, queue, worker, bundler, and file writer.
// It backs end-to-end tests and demo sessions.
type Cluster struct {
	Conn      connector.Connector
	Devices   *DeviceServer
	Registry  *devices.Registry
	Assembler *assembler.Assembler
	Guard     *guard.Guard
	Queue     *queue.Manager
	Worker    *worker.Worker
	Bundler   *bundler.Bundler
	Writer    *writer.Manager

	cancel context.CancelFunc
	done   chan struct{}
}

// StartCluster brings up every service of an in-process fabric on |conn|.
// Services come up in dependency order: the device session first, so the
// scan-side registry and validators see a populated catalog.
func StartCluster(ctx context.Context, conn connector.Connector, cfg ClusterConfig) (*Cluster, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}

	var c = &Cluster{Conn: conn, done: make(chan struct{})}

	c.Devices = NewDeviceServer(conn, cfg.Catalog)
	if err := c.Devices.Start(ctx); err != nil {
		return nil, err
	}

	c.Registry = devices.NewRegistry(conn)
	if err := c.Registry.Load(ctx); err != nil {
		c.Devices.Stop()
		return nil, err
	}
	if err := c.Registry.Start(ctx); err != nil {
		c.Devices.Stop()
		return nil, err
	}

	c.Assembler = assembler.New(&assembler.Environment{
		Devices:   c.Registry,
		Readbacks: worker.Readbacks{Conn: conn},
	})
	if err := c.Assembler.PublishAvailable(ctx, conn); err != nil {
		c.teardown()
		return nil, err
	}

	var alarmer = alarms.NewPublisher(conn, "scan_server")

	c.Guard = guard.New(conn, c.Assembler, c.Registry)
	if err := c.Guard.Start(ctx); err != nil {
		c.teardown()
		return nil, err
	}

	c.Queue = queue.NewManager(conn, c.Assembler, alarmer, queue.Config{})
	if err := c.Queue.Start(ctx); err != nil {
		c.teardown()
		return nil, err
	}

	if len(cfg.Emitters) == 0 {
		cfg.Emitters = []bundler.Emitter{
			bundler.NewFabricEmitter(conn),
			bundler.NewBlueskyEmitter(conn),
		}
	}
	c.Bundler = bundler.New(conn, c.Registry, cfg.Emitters...)
	if err := c.Bundler.Start(ctx); err != nil {
		c.teardown()
		return nil, err
	}

	if cfg.DataDir != "" {
		c.Writer = writer.NewManager(conn, c.Registry, alarms.NewPublisher(conn, "file_writer"), cfg.DataDir)
		if err := c.Writer.Start(ctx); err != nil {
			c.teardown()
			return nil, err
		}
	}

	c.Worker = worker.New(conn, c.Queue, c.Registry, alarmer, worker.Config{
		PollInterval: cfg.PollInterval,
		WaitTimeout:  cfg.WaitTimeout,
	})

	var runCtx context.Context
	runCtx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		_ = c.Worker.Run(runCtx)
	}()
	go c.heartbeats(runCtx)

	return c, nil
}

// heartbeats keeps the simulated device-server liveness key fresh, so that
// long runs never see the worker parking on a lapsed heartbeat.
func (c *Cluster) heartbeats(ctx context.Context) {
	var ticker = time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Devices.Heartbeat().Beat(ctx)
		}
	}
}

// Stop winds the cluster down: the worker first, then every service in
// reverse start order.
func (c *Cluster) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.teardown()
}

func (c *Cluster) teardown() {
	if c.Writer != nil {
		c.Writer.Stop()
		c.Writer = nil
	}
	if c.Bundler != nil {
		c.Bundler.Stop()
		c.Bundler = nil
	}
	if c.Queue != nil {
		c.Queue.Stop()
		c.Queue = nil
	}
	if c.Guard != nil {
		c.Guard.Stop()
		c.Guard = nil
	}
	if c.Registry != nil {
		c.Registry.Stop()
		c.Registry = nil
	}
	if c.Devices != nil {
		c.Devices.Stop()
		c.Devices = nil
	}
}
