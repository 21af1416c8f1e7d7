// fabricctl is the operator's command line for a fabric deployment: it
// starts and stops detached services, inspects the queue and the device
// session, watches alarms, and round-trips device sessions as YAML.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/service"
)

const iniFilename = "fabric.ini"

// services maps a managed service name to the binary serving it.
var services = map[string]string{
	"scan_server":   "fabric-server",
	"scan_bundler":  "fabric-bundler",
	"file_writer":   "fabric-writer",
	"device_server": "fabric-sim",
}

// Config is the top-level configuration object of fabricctl.
var Config = new(struct {
	service.BaseConfig

	Ctl struct {
		RunDir string `long:"run-dir" env:"RUN_DIR" default:"/tmp/fabric" description:"Directory holding service pidfiles"`
		BinDir string `long:"bin-dir" env:"BIN_DIR" default:"" description:"Directory holding service binaries; empty searches $PATH"`
	} `group:"Control" namespace:"ctl" env-namespace:"CTL"`
})

func dial(ctx context.Context) (connector.Connector, error) {
	return Config.Connect(ctx)
}

func binaryOf(name string) (string, error) {
	var bin, ok = services[name]
	if !ok {
		return "", fmt.Errorf("unknown service %q", name)
	}
	if Config.Ctl.BinDir != "" {
		bin = filepath.Join(Config.Ctl.BinDir, bin)
	}
	return bin, nil
}

type cmdStart struct{}

func (cmdStart) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	if len(args) != 1 {
		return fmt.Errorf("usage: fabricctl start <service>")
	}
	var bin, err = binaryOf(args[0])
	if err != nil {
		return err
	}
	_, err = service.StartDetached(Config.Ctl.RunDir, args[0], bin, "serve")
	return err
}

type cmdStop struct{}

func (cmdStop) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	if len(args) != 1 {
		return fmt.Errorf("usage: fabricctl stop <service>")
	}
	if _, err := binaryOf(args[0]); err != nil {
		return err
	}
	return service.StopDetached(Config.Ctl.RunDir, args[0], 10*time.Second)
}

type cmdRestart struct{}

func (cmdRestart) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	if len(args) != 1 {
		return fmt.Errorf("usage: fabricctl restart <service>")
	}
	var bin, err = binaryOf(args[0])
	if err != nil {
		return err
	}
	if err = service.StopDetached(Config.Ctl.RunDir, args[0], 10*time.Second); err != nil {
		log.WithField("err", err).Warn("stop failed, starting anyway")
	}
	_, err = service.StartDetached(Config.Ctl.RunDir, args[0], bin, "serve")
	return err
}

type cmdServeSvc struct{}

// Execute replaces the fabricctl process with the named service running in
// the foreground.
func (cmdServeSvc) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	if len(args) != 1 {
		return fmt.Errorf("usage: fabricctl serve <service>")
	}
	var bin, err = binaryOf(args[0])
	if err != nil {
		return err
	}
	if bin, err = exec.LookPath(bin); err != nil {
		return err
	}
	return syscall.Exec(bin, []string{bin, "serve"}, os.Environ())
}

type cmdStatus struct{}

func (cmdStatus) Execute(_ []string) error {
	mbp.InitLog(Config.Log)
	var ctx = context.Background()
	var conn, err = dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for name := range services {
		var raw []byte
		if raw, err = conn.Get(ctx, messages.ServiceStatus(name)); err != nil {
			return err
		}
		if raw == nil {
			fmt.Printf("%-16s %s\n", name, color.RedString("DOWN"))
			continue
		}
		msg, err := messages.DecodeAs[*messages.ServiceStatusMessage](raw)
		if err != nil {
			return err
		}
		var status = color.GreenString(msg.Status)
		if msg.Status != messages.ServiceRunning {
			status = color.YellowString(msg.Status)
		}
		fmt.Printf("%-16s %s\n", name, status)
	}
	return nil
}

type cmdQueue struct{}

func (cmdQueue) Execute(_ []string) error {
	mbp.InitLog(Config.Log)
	var ctx = context.Background()
	var conn, err = dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	raw, err := conn.Get(ctx, messages.QueueStatus())
	if err != nil {
		return err
	}
	if raw == nil {
		fmt.Println("no queue status available")
		return nil
	}
	msg, err := messages.DecodeAs[*messages.ScanQueueStatusMessage](raw)
	if err != nil {
		return err
	}

	for name, snap := range msg.Queue {
		fmt.Printf("%s [%s], %d item(s)\n", color.CyanString(name), snap.Status, len(snap.Info))
		for _, item := range snap.Info {
			var status string
			switch item.Status {
			case messages.QueueItemRunning:
				status = color.GreenString(string(item.Status))
			case messages.QueueItemPaused, messages.QueueItemDeferredPause:
				status = color.YellowString(string(item.Status))
			case messages.QueueItemStopped:
				status = color.RedString(string(item.Status))
			default:
				status = string(item.Status)
			}
			fmt.Printf("  %s  %s", item.QueueID, status)
			for _, block := range item.RequestBlocks {
				fmt.Printf("  %s", block.ScanType)
				if block.IsScan {
					fmt.Printf("(#%d)", block.ScanNumber)
				}
			}
			fmt.Println()
		}
	}
	return nil
}

type cmdDevices struct{}

func (cmdDevices) Execute(_ []string) error {
	mbp.InitLog(Config.Log)
	var ctx = context.Background()
	var conn, err = dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var reg = devices.NewRegistry(conn)
	if err = reg.Load(ctx); err != nil {
		return err
	}
	for _, dev := range reg.All() {
		var state = color.GreenString("enabled")
		if !dev.Enabled() {
			state = color.RedString("disabled")
		}
		fmt.Printf("%-20s %-16s %-10s %s\n",
			dev.Name(), dev.Class(), dev.ReadoutPriority(), state)
	}
	return nil
}

type cmdAlarms struct {
	Min   int64 `long:"min" default:"0" description:"Minimum severity to show: 0 warning, 1 minor, 2 major"`
	Clear bool  `long:"clear" description:"Clear the retained alarm and exit"`
}

// Execute streams alarms to the terminal until interrupted, or clears the
// retained alarm with --clear.
func (c cmdAlarms) Execute(_ []string) error {
	mbp.InitLog(Config.Log)
	var ctx = context.Background()
	var conn, err = dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if c.Clear {
		return conn.Delete(ctx, messages.Alarms())
	}

	var cancel, subErr = conn.Subscribe(ctx, messages.Alarms(), func(mo connector.MessageObject) {
		var msg, err = messages.DecodeAs[*messages.AlarmMessage](mo.Value)
		if err != nil || int64(msg.Severity) < c.Min {
			return
		}
		var severity = msg.Severity.String()
		switch msg.Severity {
		case messages.SeverityMajor:
			severity = color.RedString(severity)
		case messages.SeverityMinor:
			severity = color.YellowString(severity)
		}
		fmt.Printf("%s  %-8s %s  %v\n",
			time.Now().Format(time.TimeOnly), severity, msg.AlarmType, msg.Content)
	})
	if subErr != nil {
		return subErr
	}
	defer cancel()

	fmt.Println("watching alarms, ^C to stop")
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	<-signalCh
	return nil
}

type cmdConfigLoad struct{}

func (cmdConfigLoad) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	if len(args) != 1 {
		return fmt.Errorf("usage: fabricctl config-load <session.yaml>")
	}
	var ctx = context.Background()
	var conn, err = dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return devices.NewConfigHelper(conn).UpdateSessionFromFile(ctx, args[0])
}

type cmdConfigSave struct{}

func (cmdConfigSave) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	if len(args) != 1 {
		return fmt.Errorf("usage: fabricctl config-save <session.yaml>")
	}
	var ctx = context.Background()
	var conn, err = dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return devices.NewConfigHelper(conn).SaveCurrentSession(ctx, args[0])
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("start", "Start a detached service", `
Start the named service (scan_server, scan_bundler, file_writer,
device_server) as a detached process, recording its pidfile.
`, &cmdStart{})
	_, _ = parser.AddCommand("stop", "Stop a detached service", `
Stop the named service via its pidfile, waiting for it to exit.
`, &cmdStop{})
	_, _ = parser.AddCommand("restart", "Restart a detached service", `
Stop and start the named service.
`, &cmdRestart{})
	_, _ = parser.AddCommand("serve", "Run a service in the foreground", `
Replace this process with the named service running in the foreground.
`, &cmdServeSvc{})
	_, _ = parser.AddCommand("status", "Show service liveness", `
Read every managed service's heartbeat key and report its state.
`, &cmdStatus{})
	_, _ = parser.AddCommand("queue", "Show the scan queue", `
Print the current queue snapshot with per-item states.
`, &cmdQueue{})
	_, _ = parser.AddCommand("devices", "List the device session", `
Print the current device catalog.
`, &cmdDevices{})
	_, _ = parser.AddCommand("alarms", "Watch alarms", `
Stream alarms to the terminal until interrupted.
`, &cmdAlarms{})
	_, _ = parser.AddCommand("config-load", "Load a device session", `
Replace the active device session with a YAML session file, through a
config request to the device server.
`, &cmdConfigLoad{})
	_, _ = parser.AddCommand("config-save", "Save the device session", `
Write the active device session to a YAML session file.
`, &cmdConfigSave{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
