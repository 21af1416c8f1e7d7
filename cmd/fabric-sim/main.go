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

	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/service"
	"github.com/scanfabric/fabric/simulator"
)

const iniFilename = "fabric.ini"

// Config is the top-level configuration object of a simulated device server.
var Config = new(struct {
	service.BaseConfig

	Sim struct {
		Session string `long:"session" env:"SESSION" description:"YAML device session to load; empty selects the demo beamline"`
	} `group:"Simulator" namespace:"sim" env-namespace:"SIM"`
})

// demoCatalog is the built-in beamline: two sample motors, a beam monitor,
// a flyer, and a baseline temperature sensor.
func demoCatalog() []devices.Config {
	var motor = func(name string) devices.Config {
		return devices.Config{
			Name:        name,
			DeviceClass: "SimMotor",
			Enabled:     true,
			DeviceConfig: map[string]any{
				"limits":    []any{-50.0, 50.0},
				"tolerance": 0.5,
			},
			AcquisitionConfig: devices.AcquisitionConfig{
				ReadoutPriority:  devices.PriorityMonitored,
				AcquisitionGroup: "motor",
				Schedule:         devices.ScheduleSync,
			},
		}
	}
	return []devices.Config{
		motor("samx"),
		motor("samy"),
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

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("fabric-sim configuration")

	var catalog = demoCatalog()
	if Config.Sim.Session != "" {
		var err error
		if catalog, err = devices.LoadSessionConfigs(Config.Sim.Session); err != nil {
			return err
		}
	}

	var ctx = context.Background()
	var conn, err = Config.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer conn.Close()

	var srv = simulator.NewDeviceServer(conn, catalog)
	if err = srv.Start(ctx); err != nil {
		return fmt.Errorf("starting device server: %w", err)
	}
	defer srv.Stop()

	var tasks = task.NewGroup(ctx)
	srv.Heartbeat().QueueTasks(tasks)
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

	_, _ = parser.AddCommand("serve", "Serve as simulated device server", `
Serve a simulated device server speaking the fabric's full device contract,
until signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
