package assembler

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/scanfabric/fabric/devices"
	"github.com/scanfabric/fabric/messages"
)

// core carries the request state every scan class shares: the parsed
// caller args, the scan motors in wire order, common kwargs, and the
// runtime environment. Constructors parse once; Run computes positions
// fresh so a restarted request starts from unmutated inputs.
type core struct {
	def   *Definition
	env   *Environment
	md    messages.Metadata
	param messages.ScanParameter

	motors   []string
	expTime  float64
	relative bool
	override devices.Override
}

func newCore(env *Environment, def *Definition, msg *messages.ScanQueueMessage) core {
	var c = core{
		def:   def,
		env:   env,
		md:    msg.Metadata.Copy(),
		param: msg.Parameter,
	}
	if v, ok := c.param.Kwargs.Float("exp_time"); ok {
		c.expTime = v
	}
	if v, ok := c.param.Kwargs.Bool("relative"); ok {
		c.relative = v
	}
	c.override = devices.OverrideFromParams(c.param.Kwargs.Map("readout_priority"))
	c.motors = c.param.Args.Devices()
	return c
}

func (c *core) Definition() *Definition { return c.def }

// priority merges the scan motors with the caller's readout override for
// the open_scan announcement.
func (c *core) priority() devices.Override {
	var out = devices.Override{
		Monitored: append([]string(nil), c.motors...),
		Baseline:  c.override.Baseline,
		Ignored:   c.override.Ignored,
	}
	for _, dev := range c.override.Monitored {
		if !slices.Contains(out.Monitored, dev) {
			out.Monitored = append(out.Monitored, dev)
		}
	}
	return out
}

// startPositions reads the current scan-motor positions, for relative
// offsets and the return move. Without a readback source it reports zeros.
func (c *core) startPositions(ctx context.Context) ([]float64, error) {
	var out = make([]float64, len(c.motors))
	if c.env.Readbacks == nil {
		return out, nil
	}
	for i, dev := range c.motors {
		var pos, err = c.env.Readbacks.Position(ctx, dev)
		if err != nil {
			return nil, fmt.Errorf("reading %s position: %w", dev, err)
		}
		out[i] = pos
	}
	return out, nil
}

// checkLimits rejects any position outside a motor's configured limits.
// Motors without limits, and limits with low >= high, are unchecked.
func (c *core) checkLimits(positions [][]float64) error {
	if c.env.Devices == nil {
		return nil
	}
	for j, name := range c.motors {
		var dev, ok = c.env.Devices.Get(name)
		if !ok {
			continue
		}
		var low, high, bounded = dev.Limits()
		if !bounded || low >= high {
			continue
		}
		for _, row := range positions {
			if j >= len(row) {
				continue
			}
			if row[j] < low || row[j] > high {
				return &LimitError{Device: name, Position: row, Low: low, High: high}
			}
		}
	}
	return nil
}

// offsetPositions shifts every row by the motors' start positions.
func offsetPositions(positions [][]float64, start []float64) {
	for _, row := range positions {
		for j := range row {
			if j < len(start) {
				row[j] += start[j]
			}
		}
	}
}

// runSteps drives the shared step-scan skeleton over precomputed
// positions: read motors, open, stage, baseline, move to start, pre_scan,
// one trigger/read cycle per point, return to start, unstage, close.
func runSteps(ctx context.Context, emit EmitFunc, c *core, positions [][]float64) error {
	var st = NewStubs(emit, c.md)
	st.ReadMotors(c.motors)
	st.WaitReadMotors(c.motors)

	var start, err = c.startPositions(ctx)
	if err != nil {
		return err
	}
	if c.relative {
		offsetPositions(positions, start)
	}
	if err = c.checkLimits(positions); err != nil {
		return err
	}

	st.OpenScan(OpenScanSpec{
		Name:      c.def.Name,
		Type:      ScanTypeStep,
		NumPoints: int64(len(positions)),
		Motors:    c.motors,
		Positions: positions,
		Priority:  c.priority(),
	})
	st.Stage()
	st.BaselineReading()

	if len(positions) > 0 {
		for j, dev := range c.motors {
			st.Set(dev, positions[0][j])
		}
		st.WaitMove()
	}
	st.PreScan()

	for ii, row := range positions {
		for j, dev := range c.motors {
			st.Set(dev, row[j])
		}
		st.WaitMove()
		if ii > 0 {
			st.WaitRead(GroupPrimary)
		}
		st.Trigger(int64(ii))
		st.WaitTrigger(c.expTime)
		st.ReadPoint(int64(ii))
		st.WaitRead(GroupScanMotor)
	}

	for j, dev := range c.motors {
		st.Set(dev, start[j])
	}
	st.WaitMove()
	st.WaitRead(GroupPrimary)
	st.Unstage()
	st.CloseScan()
	return st.Err()
}

// Move sets motors to absolute targets without opening a scan. Each set
// asks for a completion response so the request resolves when the last
// motor arrives.
type Move struct{ core }

func newMove(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	return &Move{core: newCore(env, def, msg)}, nil
}

func (m *Move) Run(_ context.Context, emit EmitFunc) error {
	var st = NewStubs(emit, m.md)
	for _, dev := range m.motors {
		st.SetWithResponse(dev, m.param.Args.Values(dev)[0])
	}
	return st.Err()
}

// UpdatedMove moves motors while a scan-report instruction lets the client
// render live readback progress toward the targets.
type UpdatedMove struct{ core }

func newUpdatedMove(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	return &UpdatedMove{core: newCore(env, def, msg)}, nil
}

func (m *UpdatedMove) Run(ctx context.Context, emit EmitFunc) error {
	var st = NewStubs(emit, m.md)
	var start, err = m.startPositions(ctx)
	if err != nil {
		return err
	}
	var end = make([]float64, len(m.motors))
	for i, dev := range m.motors {
		end[i] = floatOf(m.param.Args.Values(dev)[0])
	}
	st.ScanReportInstruction(messages.Params{
		"readback": messages.Params{
			"RID":     m.md.RID(),
			"devices": m.motors,
			"start":   start,
			"end":     end,
		},
	})
	for i, dev := range m.motors {
		st.Set(dev, end[i])
	}
	for _, dev := range m.motors {
		st.WaitMove(dev)
	}
	return st.Err()
}

// DeviceRPC forwards one device function call through the scan queue.
type DeviceRPC struct{ core }

func newDeviceRPC(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var p = msg.Parameter
	if p.Device == "" {
		return nil, fmt.Errorf("device_rpc needs a target device")
	}
	if p.RPCID == "" {
		return nil, fmt.Errorf("device_rpc needs an rpc_id")
	}
	if p.Func == "" {
		return nil, fmt.Errorf("device_rpc needs a function to call")
	}
	return &DeviceRPC{core: newCore(env, def, msg)}, nil
}

func (d *DeviceRPC) Run(_ context.Context, emit EmitFunc) error {
	var st = NewStubs(emit, d.md)
	st.RPC(d.param.Device, d.param.RPCID, d.param.Func, d.param.Args.List(), d.param.Kwargs)
	return st.Err()
}

// GridScan steps motors over an N-dimensional grid, one bundle
// (start, stop, steps) per motor. Inner axes run snaked unless disabled.
type GridScan struct {
	core
	axes   [][]float64
	snaked bool
}

func newGridScan(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var c = newCore(env, def, msg)
	var axes = make([][]float64, 0, len(c.motors))
	for _, dev := range c.motors {
		var vals = c.param.Args.Values(dev)
		var steps = int(floatOf(vals[2]))
		if steps < 1 {
			return nil, fmt.Errorf("grid_scan: motor %s needs at least one step", dev)
		}
		axes = append(axes, Linspace(floatOf(vals[0]), floatOf(vals[1]), steps))
	}
	var snaked = true
	if v, ok := c.param.Kwargs.Bool("snaked"); ok {
		snaked = v
	}
	return &GridScan{core: c, axes: axes, snaked: snaked}, nil
}

func (g *GridScan) Run(ctx context.Context, emit EmitFunc) error {
	return runSteps(ctx, emit, &g.core, RasterPositions(g.axes, g.snaked))
}

// LineScan steps motors along their ranges in lockstep: every motor gets
// the same number of steps and they move together.
type LineScan struct {
	core
	axes [][]float64
}

func newLineScan(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var c = newCore(env, def, msg)
	var steps, ok = c.param.Kwargs.Int("steps")
	if !ok || steps < 1 {
		return nil, fmt.Errorf("line_scan: steps must be a positive integer")
	}
	var axes = make([][]float64, 0, len(c.motors))
	for _, dev := range c.motors {
		var vals = c.param.Args.Values(dev)
		axes = append(axes, Linspace(floatOf(vals[0]), floatOf(vals[1]), int(steps)))
	}
	return &LineScan{core: c, axes: axes}, nil
}

func (l *LineScan) Run(ctx context.Context, emit EmitFunc) error {
	return runSteps(ctx, emit, &l.core, transpose(l.axes))
}

// ListScan steps motors over explicit position lists, one list per motor.
// All lists must be equally long.
type ListScan struct {
	core
	lists [][]float64
}

func newListScan(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var c = newCore(env, def, msg)
	var lists = make([][]float64, 0, len(c.motors))
	for _, dev := range c.motors {
		var vals = c.param.Args.Values(dev)
		lists = append(lists, floatsOf(vals[0]))
	}
	for _, l := range lists[1:] {
		if len(l) != len(lists[0]) {
			return nil, fmt.Errorf("list_scan: all position lists must have the same length")
		}
	}
	return &ListScan{core: c, lists: lists}, nil
}

func (l *ListScan) Run(ctx context.Context, emit EmitFunc) error {
	return runSteps(ctx, emit, &l.core, transpose(l.lists))
}

// TimeScan takes points on a timer instead of a motor trajectory.
type TimeScan struct {
	core
	points   int64
	interval float64
}

func newTimeScan(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var c = newCore(env, def, msg)
	var points, ok = c.param.Kwargs.Int("points")
	if !ok || points < 1 {
		return nil, fmt.Errorf("time_scan: points must be a positive integer")
	}
	var interval, _ = c.param.Kwargs.Float("interval")
	if interval < c.expTime {
		return nil, fmt.Errorf("time_scan: interval %v is shorter than exp_time %v", interval, c.expTime)
	}
	return &TimeScan{core: c, points: points, interval: interval}, nil
}

func (t *TimeScan) Run(_ context.Context, emit EmitFunc) error {
	var st = NewStubs(emit, t.md)
	st.ReadMotors(nil)
	st.WaitReadMotors(nil)
	st.OpenScan(OpenScanSpec{
		Name:      t.def.Name,
		Type:      ScanTypeStep,
		NumPoints: t.points,
		Priority:  t.priority(),
	})
	st.Stage()
	st.BaselineReading()
	st.PreScan()
	for ii := int64(0); ii < t.points; ii++ {
		if ii > 0 {
			st.WaitRead(GroupPrimary)
		}
		st.Trigger(ii)
		st.WaitTrigger(t.expTime)
		st.ReadPoint(ii)
		st.WaitTrigger(t.interval - t.expTime)
	}
	st.WaitRead(GroupPrimary)
	st.Unstage()
	st.CloseScan()
	return st.Err()
}

// Acquire takes a single exposure of the monitored devices.
type Acquire struct{ core }

func newAcquire(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	return &Acquire{core: newCore(env, def, msg)}, nil
}

func (a *Acquire) Run(_ context.Context, emit EmitFunc) error {
	var st = NewStubs(emit, a.md)
	st.OpenScan(OpenScanSpec{
		Name:      a.def.Name,
		Type:      ScanTypeStep,
		NumPoints: 1,
		Priority:  a.priority(),
	})
	st.Stage()
	st.BaselineReading()
	st.Trigger(0)
	st.WaitTrigger(a.expTime)
	st.ReadPoint(0)
	st.WaitRead(GroupPrimary)
	st.Unstage()
	st.CloseScan()
	return st.Err()
}

// MonitorScan sweeps one motor from start to stop and samples its readback
// as scan points while it travels, publishing each sample directly.
type MonitorScan struct {
	core
	flyer       string
	sweepStart  float64
	sweepTarget float64
}

func newMonitorScan(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var c = newCore(env, def, msg)
	if len(c.motors) != 1 {
		return nil, fmt.Errorf("monitor_scan takes exactly one motor")
	}
	var vals = c.param.Args.Values(c.motors[0])
	return &MonitorScan{
		core:        c,
		flyer:       c.motors[0],
		sweepStart:  floatOf(vals[0]),
		sweepTarget: floatOf(vals[1]),
	}, nil
}

func (m *MonitorScan) Run(ctx context.Context, emit EmitFunc) error {
	if m.env.Readbacks == nil {
		return fmt.Errorf("monitor_scan needs a position readback source")
	}
	var st = NewStubs(emit, m.md)
	st.ReadMotors(m.motors)
	st.WaitReadMotors(m.motors)

	var positions = [][]float64{{m.sweepStart}, {m.sweepTarget}}
	var start, err = m.startPositions(ctx)
	if err != nil {
		return err
	}
	if m.relative {
		offsetPositions(positions, start)
	}
	if err = m.checkLimits(positions); err != nil {
		return err
	}

	st.OpenScan(OpenScanSpec{
		Name:      m.def.Name,
		Type:      ScanTypeFly,
		NumPoints: 0,
		Motors:    m.motors,
		Positions: positions,
		Priority:  m.priority(),
	})
	st.Stage()
	st.BaselineReading()

	st.Set(m.flyer, positions[0][0])
	st.WaitMove()
	var target = positions[1][0]
	st.Set(m.flyer, target)
	if err = st.Err(); err != nil {
		return err
	}

	var tolerance = 0.5
	if m.env.Devices != nil {
		if dev, ok := m.env.Devices.Get(m.flyer); ok {
			if tol, has := dev.Tolerance(); has {
				tolerance = tol
			}
		}
	}
	var interval = time.Duration(m.expTime * float64(time.Second))
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	var timer = time.NewTimer(interval)
	defer timer.Stop()
	for pointID := int64(0); ; pointID++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		var pos float64
		if pos, err = m.env.Readbacks.Position(ctx, m.flyer); err != nil {
			return fmt.Errorf("sampling %s readback: %w", m.flyer, err)
		}
		st.PublishDataAsRead(m.flyer, pointID, messages.SignalMap{
			m.flyer: {Value: pos, Timestamp: unixNow()},
		})
		if err = st.Err(); err != nil {
			return err
		}
		if math.Abs(pos-target) <= tolerance {
			break
		}
		timer.Reset(interval)
	}

	st.WaitMove(m.flyer)
	st.Unstage()
	st.CloseScan()
	return st.Err()
}

// FermatSpiralScan covers a two-motor rectangle with a Fermat spiral.
type FermatSpiralScan struct {
	core
	ranges     [2][2]float64
	step       float64
	spiralType float64
	center     bool
}

func newFermatSpiralScan(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var c = newCore(env, def, msg)
	if len(c.motors) != 2 {
		return nil, fmt.Errorf("fermat_scan takes exactly two motors")
	}
	var s = &FermatSpiralScan{core: c, step: 0.1}
	for i, dev := range c.motors {
		var vals = c.param.Args.Values(dev)
		s.ranges[i] = [2]float64{floatOf(vals[0]), floatOf(vals[1])}
	}
	if v, ok := c.param.Kwargs.Float("step"); ok {
		if v <= 0 {
			return nil, fmt.Errorf("fermat_scan: step must be positive")
		}
		s.step = v
	}
	if v, ok := c.param.Kwargs.Float("spiral_type"); ok {
		s.spiralType = v
	}
	if v, ok := c.param.Kwargs.Bool("center"); ok {
		s.center = v
	}
	return s, nil
}

func (f *FermatSpiralScan) Run(ctx context.Context, emit EmitFunc) error {
	var positions = FermatSpiralPositions(
		f.ranges[0][0], f.ranges[0][1],
		f.ranges[1][0], f.ranges[1][1],
		f.step, f.spiralType, f.center,
	)
	return runSteps(ctx, emit, &f.core, positions)
}

// RoundScan steps two motors over concentric rings. The single bundle
// names both motors: {m1: [m2, r_in, r_out, nr, nth]}.
type RoundScan struct {
	core
	rIn, rOut float64
	nr, nth   int
}

func newRoundScan(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var c = newCore(env, def, msg)
	var first = c.motors[0]
	var vals = c.param.Args.Values(first)
	var second, _ = vals[0].(string)
	c.motors = []string{first, second}
	var s = &RoundScan{
		core: c,
		rIn:  floatOf(vals[1]),
		rOut: floatOf(vals[2]),
		nr:   int(floatOf(vals[3])),
		nth:  int(floatOf(vals[4])),
	}
	if s.nr < 1 || s.nth < 1 {
		return nil, fmt.Errorf("round_scan: nr and nth must be positive")
	}
	return s, nil
}

func (r *RoundScan) Run(ctx context.Context, emit EmitFunc) error {
	return runSteps(ctx, emit, &r.core, RoundPositions(r.rIn, r.rOut, r.nr, r.nth))
}

// RoundROIScan steps two motors over concentric rings clipped to a
// rectangular region of interest.
type RoundROIScan struct {
	core
	lx, ly, dr float64
	nth        int
}

func newRoundROIScan(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var c = newCore(env, def, msg)
	if len(c.motors) != 2 {
		return nil, fmt.Errorf("round_roi_scan takes exactly two motors")
	}
	var dr, _ = c.param.Kwargs.Float("dr")
	var nth, _ = c.param.Kwargs.Int("nth")
	if dr <= 0 || nth < 1 {
		return nil, fmt.Errorf("round_roi_scan: dr and nth must be positive")
	}
	return &RoundROIScan{
		core: c,
		lx:   floatOf(c.param.Args.Values(c.motors[0])[0]),
		ly:   floatOf(c.param.Args.Values(c.motors[1])[0]),
		dr:   dr,
		nth:  int(nth),
	}, nil
}

func (r *RoundROIScan) Run(ctx context.Context, emit EmitFunc) error {
	return runSteps(ctx, emit, &r.core, RoundROIPositions(r.lx, r.ly, r.dr, r.nth))
}

// RoundScanFly runs the concentric-ring trajectory on a flyer device:
// kickoff with the full position table, wait, complete, one readout.
type RoundScanFly struct {
	core
	flyer     string
	rIn, rOut float64
	nr, nth   int
}

func newRoundScanFly(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	var c = newCore(env, def, msg)
	var flyer = c.motors[0]
	var vals = c.param.Args.Values(flyer)
	var s = &RoundScanFly{
		core:  c,
		flyer: flyer,
		rIn:   floatOf(vals[0]),
		rOut:  floatOf(vals[1]),
		nr:    int(floatOf(vals[2])),
		nth:   int(floatOf(vals[3])),
	}
	if s.nr < 1 || s.nth < 1 {
		return nil, fmt.Errorf("round_scan_fly: nr and nth must be positive")
	}
	return s, nil
}

func (r *RoundScanFly) Run(_ context.Context, emit EmitFunc) error {
	var st = NewStubs(emit, r.md)
	st.ReadMotors(r.motors)
	st.WaitReadMotors(r.motors)

	var positions = RoundPositions(r.rIn, r.rOut, r.nr, r.nth)
	if err := r.checkLimits(positions); err != nil {
		return err
	}

	st.OpenScan(OpenScanSpec{
		Name:      r.def.Name,
		Type:      ScanTypeFly,
		NumPoints: int64(len(positions)),
		Motors:    r.motors,
		Positions: positions,
		Priority:  r.priority(),
	})
	st.Stage()
	st.BaselineReading()
	st.Kickoff(r.flyer, messages.Params{
		"num_pos":   int64(len(positions)),
		"positions": positions,
		"exp_time":  r.expTime,
	})
	st.WaitKickoff(r.flyer)
	st.Complete(r.flyer)
	st.Read()
	st.WaitRead(GroupPrimary)
	st.Unstage()
	st.CloseScan()
	return st.Err()
}

// OpenScanDef groups the following requests into one logical scan. The
// request itself emits nothing; its scan_def_id metadata drives the merge.
type OpenScanDef struct{ core }

func newOpenScanDef(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	return &OpenScanDef{core: newCore(env, def, msg)}, nil
}

func (o *OpenScanDef) Run(_ context.Context, _ EmitFunc) error { return nil }

// CloseScanDef ends the logical scan opened under a scan_def_id.
type CloseScanDef struct{ core }

func newCloseScanDef(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	return &CloseScanDef{core: newCore(env, def, msg)}, nil
}

func (c *CloseScanDef) Run(_ context.Context, emit EmitFunc) error {
	var st = NewStubs(emit, c.md)
	st.CloseScanDef()
	return st.Err()
}

// CloseScanGroup terminates the current request group.
type CloseScanGroup struct{ core }

func newCloseScanGroup(env *Environment, def *Definition, msg *messages.ScanQueueMessage) (Request, error) {
	return &CloseScanGroup{core: newCore(env, def, msg)}, nil
}

func (c *CloseScanGroup) Run(_ context.Context, emit EmitFunc) error {
	var st = NewStubs(emit, c.md)
	st.CloseScanGroup()
	return st.Err()
}

func builtins() []*Definition {
	return []*Definition{
		{
			Name:          "mv",
			ClassName:     "Move",
			Doc:           "Move motors to absolute positions.\n\nExample: mv samx=1.0 samy=2.0",
			ArgInput:      []string{ArgDevice, ArgFloat},
			ArgBundleSize: 2,
			New:           newMove,
		},
		{
			Name:          "umv",
			ClassName:     "UpdatedMove",
			Doc:           "Move motors to absolute positions with live readback updates.\n\nExample: umv samx=1.0 samy=2.0",
			ArgInput:      []string{ArgDevice, ArgFloat},
			ArgBundleSize: 2,
			ReportHint:    ReportReadback,
			New:           newUpdatedMove,
		},
		{
			Name:      "device_rpc",
			ClassName: "DeviceRPC",
			Doc:       "Call a device function through the scan queue.",
			New:       newDeviceRPC,
		},
		{
			Name:          "grid_scan",
			ClassName:     "GridScan",
			Doc:           "Step motors over an N-dimensional grid, one (start, stop, steps) bundle per motor.\n\nExample: grid_scan samx=(-5, 5, 11) samy=(-2, 2, 5) exp_time=0.1",
			ArgInput:      []string{ArgDevice, ArgFloat, ArgFloat, ArgInt},
			ArgBundleSize: 4,
			ReportHint:    ReportTable,
			IsScan:        true,
			EnforceSync:   true,
			New:           newGridScan,
		},
		{
			Name:           "line_scan",
			ClassName:      "LineScan",
			Doc:            "Step motors along their ranges in lockstep.\n\nExample: line_scan samx=(-5, 5) samy=(-2, 2) steps=10 exp_time=0.1",
			ArgInput:       []string{ArgDevice, ArgFloat, ArgFloat},
			RequiredKwargs: []string{"steps"},
			ArgBundleSize:  3,
			ReportHint:     ReportTable,
			IsScan:         true,
			EnforceSync:    true,
			New:            newLineScan,
		},
		{
			Name:          "list_scan",
			ClassName:     "ListScan",
			Doc:           "Step motors over explicit position lists of equal length.\n\nExample: list_scan samx=[0, 1, 2] samy=[0, 2, 4] exp_time=0.1",
			ArgInput:      []string{ArgDevice, ArgList},
			ArgBundleSize: 2,
			ReportHint:    ReportTable,
			IsScan:        true,
			EnforceSync:   true,
			New:           newListScan,
		},
		{
			Name:           "time_scan",
			ClassName:      "TimeScan",
			Doc:            "Take points on a timer: one exposure every interval seconds.\n\nExample: time_scan points=10 interval=1.0 exp_time=0.1",
			RequiredKwargs: []string{"points", "interval"},
			ReportHint:     ReportTable,
			IsScan:         true,
			EnforceSync:    true,
			New:            newTimeScan,
		},
		{
			Name:        "acquire",
			ClassName:   "Acquire",
			Doc:         "Take a single exposure of the monitored devices.\n\nExample: acquire exp_time=0.5",
			ReportHint:  ReportTable,
			IsScan:      true,
			EnforceSync: true,
			New:         newAcquire,
		},
		{
			Name:          "monitor_scan",
			ClassName:     "MonitorScan",
			Doc:           "Sweep one motor and sample its readback as scan points while it travels.\n\nExample: monitor_scan samx=(-5, 5) relative=true",
			ArgInput:      []string{ArgDevice, ArgFloat, ArgFloat},
			ArgBundleSize: 3,
			ReportHint:    ReportTable,
			IsScan:        true,
			New:           newMonitorScan,
		},
		{
			Name:          "fermat_scan",
			ClassName:     "FermatSpiralScan",
			Doc:           "Cover a two-motor rectangle with a Fermat spiral.\n\nExample: fermat_scan samx=(-5, 5) samy=(-5, 5) step=0.5 exp_time=0.1",
			ArgInput:      []string{ArgDevice, ArgFloat, ArgFloat},
			ArgBundleSize: 3,
			ReportHint:    ReportTable,
			IsScan:        true,
			EnforceSync:   true,
			New:           newFermatSpiralScan,
		},
		{
			Name:          "round_scan",
			ClassName:     "RoundScan",
			Doc:           "Step two motors over concentric rings.\n\nExample: round_scan samx samy r_in=1 r_out=5 nr=3 nth=4",
			ArgInput:      []string{ArgDevice, ArgDevice, ArgFloat, ArgFloat, ArgInt, ArgInt},
			ArgBundleSize: 6,
			ReportHint:    ReportTable,
			IsScan:        true,
			EnforceSync:   true,
			New:           newRoundScan,
		},
		{
			Name:           "round_roi_scan",
			ClassName:      "RoundROIScan",
			Doc:            "Step two motors over concentric rings clipped to a rectangle.\n\nExample: round_roi_scan samx=10 samy=10 dr=2 nth=4 exp_time=0.1",
			ArgInput:       []string{ArgDevice, ArgFloat},
			RequiredKwargs: []string{"dr", "nth"},
			ArgBundleSize:  2,
			ReportHint:     ReportTable,
			IsScan:         true,
			EnforceSync:    true,
			New:            newRoundROIScan,
		},
		{
			Name:          "round_scan_fly",
			ClassName:     "RoundScanFly",
			Doc:           "Fly a flyer device over concentric rings: kickoff, wait, complete, read.\n\nExample: round_scan_fly flyer=(1, 5, 3, 4)",
			ArgInput:      []string{ArgDevice, ArgFloat, ArgFloat, ArgInt, ArgInt},
			ArgBundleSize: 5,
			ReportHint:    ReportProgress,
			IsScan:        true,
			New:           newRoundScanFly,
		},
		{
			Name:      "open_scan_def",
			ClassName: "OpenScanDef",
			Doc:       "Group the following requests into one logical scan.",
			New:       newOpenScanDef,
		},
		{
			Name:      "close_scan_def",
			ClassName: "CloseScanDef",
			Doc:       "End the logical scan opened by open_scan_def.",
			New:       newCloseScanDef,
		},
		{
			Name:      "close_scan_group",
			ClassName: "CloseScanGroup",
			Doc:       "End the current request group.",
			New:       newCloseScanGroup,
		},
	}
}

// transpose flips per-motor axes into per-point rows.
func transpose(axes [][]float64) [][]float64 {
	if len(axes) == 0 || len(axes[0]) == 0 {
		return [][]float64{}
	}
	var out = make([][]float64, len(axes[0]))
	for i := range out {
		var row = make([]float64, len(axes))
		for j := range axes {
			row[j] = axes[j][i]
		}
		out[i] = row
	}
	return out
}

func floatOf(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return 0
}

func floatsOf(v any) []float64 {
	switch x := v.(type) {
	case []float64:
		return append([]float64(nil), x...)
	case []any:
		var out = make([]float64, len(x))
		for i, e := range x {
			out[i] = floatOf(e)
		}
		return out
	}
	return nil
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
