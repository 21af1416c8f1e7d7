// Package service carries the lifecycle shared by every fabric binary:
// configuration, broker connection, heartbeats, and pidfile management for
// detached processes.
package service

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/scanfabric/fabric/connector"
)

// BaseConfig is the configuration shared by every fabric service.
type BaseConfig struct {
	Broker connector.RedisConfig `group:"Broker" namespace:"broker" env-namespace:"BEC_REDIS"`

	Metrics struct {
		Port int `long:"port" env:"PORT" default:"0" description:"Port of the /metrics listener, 0 to disable"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// Connect dials the configured broker. Transport failures past the
// connector's threshold are logged; services layer alarms on top where it
// matters.
func (c *BaseConfig) Connect(ctx context.Context) (connector.Connector, error) {
	return connector.DialRedis(ctx, c.Broker, func(err error) {
		log.WithField("err", err).Error("broker transport is failing")
	})
}

// QueueMetricsServer queues a /metrics listener task if a port is configured.
func (c *BaseConfig) QueueMetricsServer(tasks *task.Group) error {
	if c.Metrics.Port == 0 {
		return nil
	}
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	var lis, err = net.Listen("tcp", fmt.Sprintf(":%d", c.Metrics.Port))
	if err != nil {
		return fmt.Errorf("binding metrics listener: %w", err)
	}
	var srv = &http.Server{Handler: mux}

	tasks.Queue("metrics server", func() error {
		if err := srv.Serve(lis); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	tasks.Queue("metrics server shutdown", func() error {
		<-tasks.Context().Done()
		return srv.Close()
	})
	log.WithField("port", c.Metrics.Port).Info("serving metrics")
	return nil
}
