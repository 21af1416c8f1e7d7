package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/scanfabric/fabric/alarms"
	"github.com/scanfabric/fabric/assembler"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/guard"
	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/queue"
	"github.com/scanfabric/fabric/service"
	"github.com/scanfabric/fabric/worker"
)

const iniFilename = "fabric.ini"

// Config is the top-level configuration object of a fabric scan server.
var Config = new(struct {
	service.BaseConfig

	Scan struct {
		Queue        string `long:"queue" env:"QUEUE" default:"primary" description:"Queue this server's worker consumes"`
		HistoryDepth int    `long:"history-depth" env:"HISTORY_DEPTH" default:"50" description:"Finished queue items kept in history"`
	} `group:"Scan" namespace:"scan" env-namespace:"SCAN"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("fabric-server configuration")

	var ctx = context.Background()
	var conn, err = Config.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer conn.Close()

	var reg = devices.NewRegistry(conn)
	if err = reg.Load(ctx); err != nil {
		return fmt.Errorf("loading device config: %w", err)
	}
	if err = reg.Start(ctx); err != nil {
		return fmt.Errorf("starting registry: %w", err)
	}
	defer reg.Stop()

	var asm = assembler.New(&assembler.Environment{
		Devices:   reg,
		Readbacks: worker.Readbacks{Conn: conn},
	})
	if err = asm.PublishAvailable(ctx, conn); err != nil {
		return fmt.Errorf("publishing available scans: %w", err)
	}

	var alarmer = alarms.NewPublisher(conn, "scan_server")

	var gd = guard.New(conn, asm, reg)
	if err = gd.Start(ctx); err != nil {
		return fmt.Errorf("starting guard: %w", err)
	}
	defer gd.Stop()

	var mgr = queue.NewManager(conn, asm, alarmer, queue.Config{
		HistoryDepth: Config.Scan.HistoryDepth,
	})
	if err = mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting queue manager: %w", err)
	}
	defer mgr.Stop()

	var w = worker.New(conn, mgr, reg, alarmer, worker.Config{Queue: Config.Scan.Queue})

	var tasks = task.NewGroup(ctx)
	var hb = service.NewHeartbeat(conn, "scan_server")
	hb.SetStatus(messages.ServiceRunning)
	hb.QueueTasks(tasks)
	if err = Config.QueueMetricsServer(tasks); err != nil {
		return err
	}
	tasks.Queue("scan worker", func() error {
		if err := w.Run(tasks.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as fabric scan server", `
Serve a fabric scan server with the provided configuration, until signaled
to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
