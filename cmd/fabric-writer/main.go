package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/scanfabric/fabric/alarms"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/service"
	"github.com/scanfabric/fabric/writer"
)

const iniFilename = "fabric.ini"

// Config is the top-level configuration object of a fabric file writer.
var Config = new(struct {
	service.BaseConfig

	Writer struct {
		Base string `long:"base" env:"BASE" default:"./data" description:"Base directory master files are written under"`
	} `group:"Writer" namespace:"writer" env-namespace:"WRITER"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("fabric-writer configuration")

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

	var mgr = writer.NewManager(conn, reg,
		alarms.NewPublisher(conn, "file_writer"), Config.Writer.Base)
	if err = mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting writer: %w", err)
	}
	defer mgr.Stop()

	var tasks = task.NewGroup(ctx)
	var hb = service.NewHeartbeat(conn, "file_writer")
	hb.SetStatus(messages.ServiceRunning)
	hb.QueueTasks(tasks)
	if err = Config.QueueMetricsServer(tasks); err != nil {
		return err
	}

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

	_, _ = parser.AddCommand("serve", "Serve as fabric file writer", `
Collect finished scans and commit them as master files, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
