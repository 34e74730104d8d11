package pandabox

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SyncMode selects how capture events are generated: internally (single-shot
// software trigger) or by external wiring (repeated hardware triggers).
type SyncMode int

// Names for the possible values of SyncMode
const (
	SoftwareSync SyncMode = iota
	HardwareSync
)

func (m SyncMode) String() string {
	if m == HardwareSync {
		return "Hardware"
	}
	return "Software"
}

// AcqState is the acquisition state machine value owned by the controller.
type AcqState int

// Names for the possible values of AcqState
const (
	Idle      AcqState = iota // no acquisition configured or running
	Armed                     // Load done, capture engine configured
	Capturing                 // armed and triggered, hardware filling rows
	Draining                  // hardware done, stream still being read out
	Faulted                   // unrecoverable appliance or stream failure
)

func (s AcqState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Armed:
		return "Armed"
	case Capturing:
		return "Capturing"
	case Draining:
		return "Draining"
	case Faulted:
		return "Faulted"
	}
	return fmt.Sprintf("AcqState(%d)", int(s))
}

// StatusCode is the coarse appliance status reported to the caller.
type StatusCode int

// Names for the possible values of StatusCode
const (
	StatusIdle StatusCode = iota
	StatusBusy
	StatusFault
)

func (s StatusCode) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusBusy:
		return "Busy"
	}
	return "Fault"
}

// masterAxis owns the integration-time configuration for the acquisition.
// All other axes are counter channels bound to appliance capture fields.
const masterAxis = 1

// minIntegration is ten clock ticks at 125 MHz, the shortest gate the pulse
// block can generate.
const minIntegration = 8e-8

// KnownChannels are the appliance capture fields a counter axis may bind to.
var KnownChannels = []string{
	"INENC1.VAL", "INENC2.VAL", "INENC3.VAL", "INENC4.VAL",
	"CALC1.OUT", "CALC2.OUT", "COUNTER1.OUT", "COUNTER2.OUT",
	"COUNTER3.OUT", "COUNTER4.OUT", "COUNTER5.OUT", "COUNTER6.OUT",
	"COUNTER7.OUT", "COUNTER8.OUT", "FILTER1.OUT", "FILTER2.OUT",
	"PGEN1.OUT", "PGEN2.OUT", "QDEC.OUT", "FMC_ACQ427_IN.VAL1",
	"FMC_ACQ427_IN.VAL2", "FMC_ACQ427_IN.VAL3", "FMC_ACQ427_IN.VAL4",
	"FMC_ACQ427_IN.VAL5", "FMC_ACQ427_IN.VAL6", "FMC_ACQ427_IN.VAL7",
	"FMC_ACQ427_IN.VAL8", "PCAP.SAMPLES",
}

// KnownModes are the per-channel aggregation modes the capture engine offers.
var KnownModes = []string{"Value", "Diff", "Min", "Max", "Sum", "Mean"}

// ChannelBinding is the per-axis capture assignment: at most one enabled
// appliance field per logical axis at a time.
type ChannelBinding struct {
	Name string // appliance field name, empty until assigned
	Mode string // aggregation mode, one of KnownModes
}

// AcquisitionConfig is fixed at Load and immutable until the next Load.
type AcquisitionConfig struct {
	IntegrationTime float64
	Sync            SyncMode
	Repetitions     int
	EnableSource    string
	GateSource      string
	TriggerSource   string
}

// HardwareTriggerConfig names the appliance signal blocks wired to the
// capture engine when triggering is external.
type HardwareTriggerConfig struct {
	Enable string
	Gate   string
	Trig   string
}

// Reading is the result of ReadOne: no data yet, one scalar (software sync),
// or the accumulated column (hardware sync).
type Reading struct {
	Valued bool      // false means no data has been decoded yet
	Scalar bool      // true when Value carries the result
	Value  float64   // single-shot result
	Values []float64 // accumulated column, arrival order
}

// AcquisitionController coordinates the command channel, the data stream, the
// header parser and the decoder through one Load → StartAll → ReadAll* →
// (AbortOne|StopOne) lifecycle per acquisition.
//
// Progress happens only when the caller polls: ReadAll drains whatever lines
// have arrived, bounded per line, so the caller can always interleave status
// polls and cancellation between calls. All mutable acquisition state
// (header, frame, cursor) is owned here and mutated only on the polling path.
type AcquisitionController struct {
	cmd    CommandChannel
	stream LineStream
	hwTrig HardwareTriggerConfig

	sync     SyncMode
	bindings map[int]*ChannelBinding

	config     AcquisitionConfig
	runID      string
	state      AcqState
	statusText string
	header     HeaderParser
	decoder    DataDecoder
	frame      *DataFrame
	disarmed   bool // the one-shot post-capture disarm was issued
	streamDone bool // END marker observed for this acquisition

	startTimeout time.Duration // bound on the post-arm busy wait
	startPoll    time.Duration // status poll period inside that wait
	lineTimeout  time.Duration // bound on one stream line read

	mu sync.Mutex // serializes lifecycle calls arriving over RPC
}

// NewAcquisitionController builds a controller on an established command
// channel and data stream.
func NewAcquisitionController(cmd CommandChannel, stream LineStream, hwTrig HardwareTriggerConfig) *AcquisitionController {
	return &AcquisitionController{
		cmd:          cmd,
		stream:       stream,
		hwTrig:       hwTrig,
		bindings:     make(map[int]*ChannelBinding),
		state:        Idle,
		startTimeout: 3 * time.Second,
		startPoll:    100 * time.Millisecond,
		lineTimeout:  100 * time.Millisecond,
	}
}

// AddDevice registers a logical axis. Axis 1 is the timer; higher axes start
// with no channel bound and Value mode.
func (c *AcquisitionController) AddDevice(axis int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if axis < 1 {
		return &ConfigError{Reason: fmt.Sprintf("axis %d is not valid", axis)}
	}
	c.bindings[axis] = &ChannelBinding{Mode: "Value"}
	return nil
}

// DeleteDevice removes a logical axis.
func (c *AcquisitionController) DeleteDevice(axis int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, axis)
}

// SetSynchronization selects the trigger source for subsequent Loads.
func (c *AcquisitionController) SetSynchronization(mode SyncMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sync = mode
}

// Synchronization reports the trigger source used for subsequent Loads.
func (c *AcquisitionController) Synchronization() SyncMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sync
}

// GetAxisParameter reads back an axis attribute ("ChannelName" or
// "AcquisitionMode").
func (c *AcquisitionController) GetAxisParameter(axis int, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if axis == masterAxis {
		return "", &ConfigError{Reason: "the timer axis has no extra attributes"}
	}
	b, ok := c.bindings[axis]
	if !ok {
		return "", &ConfigError{Reason: fmt.Sprintf("axis %d is not registered", axis)}
	}
	switch name {
	case "ChannelName":
		return b.Name, nil
	case "AcquisitionMode":
		return b.Mode, nil
	}
	return "", &ConfigError{Reason: fmt.Sprintf("unknown axis attribute %q", name)}
}

// SetAxisParameter assigns an axis attribute. Binding a new channel first
// disables capture of the previously bound one, keeping at most one enabled
// field per axis. Rebinding while an acquisition is underway would let the
// enabled set drift from the parsed header, so it is only accepted in Idle.
func (c *AcquisitionController) SetAxisParameter(axis int, name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if axis == masterAxis {
		return &ConfigError{Reason: "the timer axis has no extra attributes"}
	}
	b, ok := c.bindings[axis]
	if !ok {
		return &ConfigError{Reason: fmt.Sprintf("axis %d is not registered", axis)}
	}
	if c.state != Idle && c.state != Faulted {
		return &ConfigError{Reason: fmt.Sprintf("cannot rebind axis %d in state %s", axis, c.state)}
	}

	switch name {
	case "AcquisitionMode":
		if !contains(KnownModes, value) {
			return &ConfigError{Reason: fmt.Sprintf("acquisition mode %q not in %v", value, KnownModes)}
		}
		b.Mode = value
	case "ChannelName":
		if !contains(KnownChannels, value) {
			return &ConfigError{Reason: fmt.Sprintf("channel %q not in %v", value, KnownChannels)}
		}
		if b.Name != "" {
			if _, err := c.cmd.Query(b.Name + ".CAPTURE=No"); err != nil {
				return c.fault(fmt.Errorf("disabling capture of %s: %v", b.Name, err))
			}
		}
		b.Name = value
	default:
		return &ConfigError{Reason: fmt.Sprintf("unknown axis attribute %q", name)}
	}

	if b.Name == "" {
		return nil
	}
	if _, err := c.cmd.Query(b.Name + ".CAPTURE=" + b.Mode); err != nil {
		return c.fault(fmt.Errorf("enabling capture of %s: %v", b.Name, err))
	}
	return nil
}

// Load configures one acquisition on the master axis: integration time
// (clamped to the hardware minimum), capture-engine signal routing for the
// current synchronization mode, and a reset of all per-acquisition state.
func (c *AcquisitionController) Load(axis int, integrationTime float64, repetitions int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if axis != masterAxis {
		return &ConfigError{Reason: fmt.Sprintf("the master channel should be axis %d, got %d", masterAxis, axis)}
	}
	if integrationTime < minIntegration {
		integrationTime = minIntegration
	}

	cfg := AcquisitionConfig{IntegrationTime: integrationTime, Sync: c.sync}
	switch c.sync {
	case SoftwareSync:
		// The software path routes the capture engine through the
		// software-triggerable pulse block, one capture event per pulse.
		cfg.Repetitions = 1
		cfg.EnableSource = "PULSE1.OUT"
		cfg.GateSource = "PULSE1.OUT"
		cfg.TriggerSource = "PULSE1.OUT"
	case HardwareSync:
		cfg.Repetitions = repetitions
		cfg.EnableSource = c.hwTrig.Enable
		cfg.GateSource = c.hwTrig.Gate
		cfg.TriggerSource = c.hwTrig.Trig
	}

	commands := []string{
		"PULSE1.WIDTH.UNITS=s",
		fmt.Sprintf("PULSE1.WIDTH=%.9f", integrationTime),
		"PCAP.ENABLE=" + cfg.EnableSource,
		"PCAP.GATE=" + cfg.GateSource,
		"PCAP.TRIG=" + cfg.TriggerSource,
	}
	for _, cmd := range commands {
		if _, err := c.cmd.Query(cmd); err != nil {
			return c.fault(fmt.Errorf("configuring acquisition (%s): %v", cmd, err))
		}
	}

	c.config = cfg
	c.runID = ulid.Make().String()
	c.header.Reset()
	c.decoder.Reset()
	c.frame = nil
	c.disarmed = false
	c.streamDone = false
	c.state = Armed
	return nil
}

// StartAll arms the capture engine and triggers the acquisition. A rejected
// arm gets one disarm+re-arm attempt. After the start commands, the appliance
// must report a busy status within the bounded wait; some arm failures show
// up only as "never left Idle", which must not be mistaken for an acquisition
// that finished too fast to observe.
func (c *AcquisitionController) StartAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Armed {
		return &ConfigError{Reason: fmt.Sprintf("StartAll requires a loaded acquisition, state is %s", c.state)}
	}

	if err := c.arm(); err != nil {
		return err
	}

	// Open the capture gate, and for software sync generate exactly one
	// capture event by pulsing the trigger input.
	startCommands := []string{"PULSE1.ENABLE=ONE"}
	if c.config.Sync == SoftwareSync {
		startCommands = append(startCommands, "PULSE1.TRIG=ZERO", "PULSE1.TRIG=ONE")
	}
	for _, cmd := range startCommands {
		if _, err := c.cmd.Query(cmd); err != nil {
			return c.fault(fmt.Errorf("starting acquisition (%s): %v", cmd, err))
		}
	}

	deadline := time.Now().Add(c.startTimeout)
	for {
		code, _, err := c.stateLocked()
		if err != nil {
			return err
		}
		if code == StatusBusy {
			break
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Op: "StartAll", Wait: c.startTimeout}
		}
		time.Sleep(c.startPoll)
	}
	c.state = Capturing
	return nil
}

// arm sends the arm command and verifies the acknowledgement, retrying once
// through a disarm if the appliance rejects the first attempt.
func (c *AcquisitionController) arm() error {
	resp, err := c.cmd.Query("*PCAP.ARM=")
	if err != nil {
		return c.fault(fmt.Errorf("arming capture: %v", err))
	}
	if strings.Contains(resp, "OK") {
		return nil
	}
	ProblemLogger.Printf("arm rejected with %q, disarming and re-arming once", resp)
	if _, err := c.cmd.Query("*PCAP.DISARM="); err != nil {
		return c.fault(fmt.Errorf("disarming after rejected arm: %v", err))
	}
	resp, err = c.cmd.Query("*PCAP.ARM=")
	if err != nil {
		return c.fault(fmt.Errorf("re-arming capture: %v", err))
	}
	if !strings.Contains(resp, "OK") {
		return &TransientApplianceError{Op: "arm", Response: resp}
	}
	return nil
}

// ReadAll advances the acquisition by one poll: it queries how many rows the
// hardware has captured, parses the stream header once it is available,
// drains whatever data lines have arrived, disarms exactly once after the
// hardware reports completion, and decodes only rows beyond the cursor.
func (c *AcquisitionController) ReadAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Capturing, Draining:
	default:
		return nil
	}

	captured, err := c.cmd.NumericQuery("*PCAP.CAPTURED?")
	if err != nil {
		return c.fault(fmt.Errorf("querying captured row count: %v", err))
	}

	// Header parsing is idempotent: a stalled or hiccuping stream leaves it
	// unparsed for the next poll. Only a malformed header is fatal.
	if !c.header.Parsed() {
		nchan, err := c.cmd.EnabledChannelCount()
		if err != nil {
			return c.fault(fmt.Errorf("querying enabled channel count: %v", err))
		}
		if err := c.header.Parse(c.stream, nchan, c.lineTimeout); err != nil {
			var ferr *FramingError
			if errors.As(err, &ferr) {
				return c.fault(err)
			}
			if err != ErrNoLine {
				ProblemLogger.Printf("stream header read failed, will retry: %v", err)
			}
			return nil
		}
	}

	if int(captured) == 0 {
		return nil
	}

	// The capture engine is disabled (which also disarms it) exactly once,
	// as soon as the hardware reports all requested rows; the stream is then
	// drained through the END marker.
	if int(captured) >= c.config.Repetitions && !c.disarmed {
		if _, err := c.cmd.Query("*PCAP.DISARM="); err != nil {
			return c.fault(fmt.Errorf("disarming after capture: %v", err))
		}
		c.disarmed = true
		c.state = Draining
	}

	for !c.streamDone {
		line, err := c.stream.ReadLine(c.lineTimeout)
		if err == ErrNoLine {
			break
		}
		if err != nil {
			ProblemLogger.Printf("stream read failed, will retry next poll: %v", err)
			break
		}
		if strings.Contains(line, endMarker) {
			c.streamDone = true
			break
		}
		c.decoder.AppendLine(line)
	}

	if err := c.decodeNewRows(); err != nil {
		return c.fault(err)
	}

	if c.streamDone && c.disarmed {
		c.state = Idle
	}
	return nil
}

// decodeNewRows re-derives the float table from the accumulated buffer and
// appends the rows past the cursor to the frame, synthesizing the timer
// column. Single-shot acquisitions never advance the cursor: they deliver one
// logical row, so the frame is re-derived wholesale instead.
func (c *AcquisitionController) decodeNewRows() error {
	nchan := len(c.header.Header().Channels)
	if nchan == 0 {
		return nil
	}
	table, err := c.decoder.Table(nchan)
	if err != nil {
		return err
	}
	if table == nil {
		return nil
	}
	nrows, _ := table.Dims()

	if c.config.Repetitions <= 1 {
		frame := NewDataFrame(nchan)
		for i := 0; i < nrows; i++ {
			if err := frame.AppendRow(c.config.IntegrationTime, table.RawRowView(i)); err != nil {
				return err
			}
		}
		c.frame = frame
		return nil
	}

	if c.frame == nil {
		c.frame = NewDataFrame(nchan)
	}
	for i := c.decoder.Cursor(); i < nrows; i++ {
		if err := c.frame.AppendRow(c.config.IntegrationTime, table.RawRowView(i)); err != nil {
			return err
		}
	}
	if fresh := nrows - c.decoder.Cursor(); fresh > 0 {
		c.decoder.Advance(fresh)
	}
	return nil
}

// ReadOne returns the decoded result for one axis: the synthesized timer
// column for the master axis, otherwise the column of the bound channel
// looked up by name in the capture header. Before any data has been decoded
// it returns an explicit no-data Reading, never an error.
func (c *AcquisitionController) ReadOne(axis int) (Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frame == nil || c.frame.NumRows() == 0 {
		return Reading{}, nil
	}

	var col int
	if axis == masterAxis {
		col = 0
	} else {
		b, ok := c.bindings[axis]
		if !ok || b.Name == "" {
			return Reading{}, &ConfigError{Reason: fmt.Sprintf("axis %d has no channel bound", axis)}
		}
		idx, ok := c.header.Header().ColumnOf(b.Name)
		if !ok {
			return Reading{}, &ConfigError{
				Reason: fmt.Sprintf("channel %s bound to axis %d is not enabled on the appliance", b.Name, axis)}
		}
		col = idx + 1 // column 0 is the synthesized timer
	}

	switch c.config.Sync {
	case SoftwareSync:
		return Reading{Valued: true, Scalar: true, Value: c.frame.At(0, col)}, nil
	default:
		return Reading{Valued: true, Values: c.frame.Column(col)}, nil
	}
}

// AbortOne sends a best-effort disarm and returns the controller to Idle
// regardless of the appliance acknowledgement. Calling it when already Idle
// is harmless.
func (c *AcquisitionController) AbortOne() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.cmd.Query("*PCAP.DISARM="); err != nil {
		ProblemLogger.Printf("best-effort disarm failed: %v", err)
	}
	c.state = Idle
}

// StopOne closes the capture gate, then disarms, best-effort, and returns the
// controller to Idle.
func (c *AcquisitionController) StopOne() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.cmd.Query("PCAP.ENABLE=ZERO"); err != nil {
		ProblemLogger.Printf("best-effort capture disable failed: %v", err)
	}
	if _, err := c.cmd.Query("*PCAP.DISARM="); err != nil {
		ProblemLogger.Printf("best-effort disarm failed: %v", err)
	}
	c.state = Idle
}

// StateAll polls the appliance status and maps it to the coarse caller-facing
// code. Busy and Idle tokens map directly; a response carrying none of the
// known tokens is an unrecognized state, reported as a Fault and not
// auto-recovered.
func (c *AcquisitionController) StateAll() (StatusCode, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *AcquisitionController) stateLocked() (StatusCode, string, error) {
	status, err := c.cmd.Query("*PCAP.STATUS?")
	if err != nil {
		return StatusFault, "", c.fault(fmt.Errorf("querying capture status: %v", err))
	}
	c.statusText = status
	switch {
	case strings.Contains(status, "Busy"):
		return StatusBusy, status, nil
	case strings.Contains(status, "Idle"):
		return StatusIdle, status, nil
	case strings.Contains(status, "OK"):
		// Acknowledged but neither Busy nor Idle: the capture engine is in
		// a state this controller cannot drive.
		c.state = Faulted
		return StatusFault, status, nil
	}
	c.state = Faulted
	err = &UnrecognizedStateError{Status: status}
	ProblemLogger.Print(err)
	return StatusFault, status, err
}

// State reports the controller's own lifecycle state.
func (c *AcquisitionController) State() AcqState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StatusText reports the last raw status line received from the appliance.
func (c *AcquisitionController) StatusText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusText
}

// RunID identifies the acquisition configured by the latest Load.
func (c *AcquisitionController) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Config returns the acquisition configuration fixed by the latest Load.
func (c *AcquisitionController) Config() AcquisitionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Frame returns the accumulated data frame, or nil before any rows decoded.
func (c *AcquisitionController) Frame() *DataFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Header returns the capture header parsed for the current acquisition.
func (c *AcquisitionController) Header() CaptureHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header.Header()
}

// Complete reports whether the current acquisition has fully drained.
func (c *AcquisitionController) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamDone && c.disarmed && c.state == Idle
}

// fault records an unrecoverable failure and returns it.
func (c *AcquisitionController) fault(err error) error {
	c.state = Faulted
	ProblemLogger.Print(err)
	return err
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
