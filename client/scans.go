package client

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/scanfabric/fabric/messages"
	"github.com/scanfabric/fabric/requests"
)

// RunOption adjusts the metadata of an outgoing scan request.
type RunOption func(md messages.Metadata)

// InGroup stamps the request into a queue group, so that grouped scans share
// bookkeeping downstream.
func InGroup(id string) RunOption {
	return func(md messages.Metadata) { md.SetQueueGroup(id) }
}

// InScanDef stamps the request into a scan definition spanning several
// requests under one scan.
func InScanDef(id string) RunOption {
	return func(md messages.Metadata) { md.SetScanDefID(id) }
}

// Scans is the server's published scan registry, fetched once per session.
type Scans struct {
	c     *Client
	specs map[string]messages.ScanSpec
}

// Scans fetches the available-scans registry from the broker.
func (c *Client) Scans(ctx context.Context) (*Scans, error) {
	var raw, err = c.conn.Get(ctx, messages.AvailableScans())
	if err != nil {
		return nil, fmt.Errorf("reading available scans: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("no available scans published")
	}
	var specs map[string]messages.ScanSpec
	if err = msgpack.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("decoding available scans: %w", err)
	}
	return &Scans{c: c, specs: specs}, nil
}

// Available lists the registered scan types, sorted.
func (s *Scans) Available() []string {
	var out = make([]string, 0, len(s.specs))
	for name := range s.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Spec returns the signature of the named scan type.
func (s *Scans) Spec(name string) (messages.ScanSpec, bool) {
	var spec, ok = s.specs[name]
	return spec, ok
}

// Open returns a proxy for the named scan type.
func (s *Scans) Open(name string) (*ScanProxy, error) {
	var spec, ok = s.specs[name]
	if !ok {
		return nil, fmt.Errorf("unknown scan type %q", name)
	}
	return &ScanProxy{c: s.c, scanType: name, spec: spec}, nil
}

// ScanProxy submits requests of one scan type.
type ScanProxy struct {
	c        *Client
	scanType string
	spec     messages.ScanSpec
}

// Run validates and submits one request, returning its report. Validation
// mirrors the guard's shape checks so that obvious mistakes fail without a
// round trip.
func (p *ScanProxy) Run(ctx context.Context, args *messages.ScanArgs, kwargs messages.Params, opts ...RunOption) (*ScanReport, error) {
	if args == nil {
		args = &messages.ScanArgs{}
	}
	if err := p.validate(args, kwargs); err != nil {
		return nil, err
	}
	var msg = &messages.ScanQueueMessage{
		ScanType: p.scanType,
		Parameter: messages.ScanParameter{
			Args:   *args,
			Kwargs: kwargs,
		},
		Queue: "primary",
	}
	msg.Meta().SetRID(uuid.NewString())
	for _, opt := range opts {
		opt(msg.Meta())
	}
	return p.c.submit(ctx, msg)
}

// validate checks the argument shape against the published signature.
func (p *ScanProxy) validate(args *messages.ScanArgs, kwargs messages.Params) error {
	if p.spec.ArgBundleSize > 0 {
		if args.Len() == 0 {
			return fmt.Errorf("%s: at least one device bundle is required", p.scanType)
		}
		var want = int(p.spec.ArgBundleSize) - 1
		for _, dev := range args.Devices() {
			if got := len(args.Values(dev)); got != want {
				return fmt.Errorf("%s: device %s carries %d arguments, expected %d",
					p.scanType, dev, got, want)
			}
		}
	}
	for _, key := range p.spec.RequiredKwargs {
		if _, ok := kwargs[key]; !ok {
			return fmt.Errorf("%s: missing required argument %q", p.scanType, key)
		}
	}
	return nil
}

// submit publishes one admission request and returns its report.
func (c *Client) submit(ctx context.Context, msg *messages.ScanQueueMessage) (*ScanReport, error) {
	var raw, err = messages.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err = c.conn.Publish(ctx, messages.QueueRequest(), raw); err != nil {
		return nil, fmt.Errorf("publishing request: %w", err)
	}
	return &ScanReport{c: c, rid: msg.Meta().RID()}, nil
}

// ScanReport follows one request through decision, queue and scan, backed by
// the client's correlator.
type ScanReport struct {
	c   *Client
	rid string
}

// RID returns the request identifier.
func (r *ScanReport) RID() string { return r.rid }

// Request returns the request's current snapshot.
func (r *ScanReport) Request() (requests.Request, bool) {
	return r.c.corr.Request(r.rid)
}

// Scan returns the scan snapshot once the queue assigned one.
func (r *ScanReport) Scan() (requests.Scan, bool) {
	var req, ok = r.c.corr.Request(r.rid)
	if !ok || req.ScanID == "" {
		return requests.Scan{}, false
	}
	return r.c.corr.Scan(req.ScanID)
}

// WaitForDecision blocks until the guard answered, returning the rejection
// as an error.
func (r *ScanReport) WaitForDecision(ctx context.Context) error {
	for {
		var update = r.c.corr.Update()
		if req, ok := r.c.corr.Request(r.rid); ok && !req.DecisionPending {
			if req.Response != nil && !req.Response.Accepted {
				return fmt.Errorf("scan request was rejected: %s", req.Response.Message)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-update:
		}
	}
}

// Wait blocks until |done| accepts the scan snapshot.
func (r *ScanReport) Wait(ctx context.Context, done func(requests.Scan) bool) error {
	for {
		var update = r.c.corr.Update()
		if scan, ok := r.Scan(); ok && done(scan) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-update:
		}
	}
}

// WaitForCompletion blocks until the scan closed or aborted.
func (r *ScanReport) WaitForCompletion(ctx context.Context) error {
	return r.Wait(ctx, func(s requests.Scan) bool {
		return s.Status == messages.ScanStatusClosed || s.Status == messages.ScanStatusAborted
	})
}
