// Package client is the user-facing facade of the fabric. A Client carries a
// connector, a read-only view of the device session, the queue facade, an
// alarm handler, and the request correlator, and hands out device handles
// and scan proxies built on top of them.
package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/scanfabric/fabric/alarms"
	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/requests"
)

// Client is one connected session against the fabric.
type Client struct {
	conn   connector.Connector
	reg    *devices.Registry
	queue  *QueueFacade
	alarms *alarms.Handler
	corr   *requests.Correlator

	infoCache *lru.Cache[string, messages.Params]
}

// New returns an unstarted Client over |conn|.
func New(conn connector.Connector) *Client {
	var corr = requests.NewCorrelator()
	var cache, _ = lru.New[string, messages.Params](512)
	return &Client{
		conn:      conn,
		reg:       devices.NewRegistry(conn),
		queue:     NewQueueFacade(conn, corr),
		alarms:    alarms.NewHandler(),
		corr:      corr,
		infoCache: cache,
	}
}

// Start loads the device session and attaches the queue facade and alarm
// handler to the broker.
func (c *Client) Start(ctx context.Context) error {
	if err := c.reg.Load(ctx); err != nil {
		return fmt.Errorf("loading device session: %w", err)
	}
	if err := c.reg.Start(ctx); err != nil {
		return fmt.Errorf("following device session: %w", err)
	}
	if err := c.queue.Start(ctx); err != nil {
		return fmt.Errorf("starting queue facade: %w", err)
	}
	if err := c.alarms.Start(ctx, c.conn); err != nil {
		return fmt.Errorf("starting alarm handler: %w", err)
	}
	log.WithField("component", "client").Info("client connected")
	return nil
}

// Stop detaches the client from the broker.
func (c *Client) Stop() {
	c.alarms.Stop()
	c.queue.Stop()
	c.reg.Stop()
}

// Devices is the client's view of the device session.
func (c *Client) Devices() *devices.Registry { return c.reg }

// Queue is the client's queue facade.
func (c *Client) Queue() *QueueFacade { return c.queue }

// Alarms is the client's alarm handler.
func (c *Client) Alarms() *alarms.Handler { return c.alarms }

// Correlator exposes the request/scan bookkeeping backing scan reports.
func (c *Client) Correlator() *requests.Correlator { return c.corr }

// Device returns a handle on the named device.
func (c *Client) Device(name string) *DeviceHandle {
	return &DeviceHandle{c: c, device: name}
}

// NewGroupID mints a queue-group identifier for grouped scans.
func (c *Client) NewGroupID() string { return uuid.NewString() }

// NewScanDefID mints a scan-definition identifier spanning several requests.
func (c *Client) NewScanDefID() string { return uuid.NewString() }
