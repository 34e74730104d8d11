package pandabox

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommandChannel scripts the appliance side of the command socket and
// records every command it receives.
type fakeCommandChannel struct {
	log               []string
	nchan             int
	armResponses      []string  // consumed per arm; "OK" once exhausted
	statusResponses   []string  // consumed per status query; last one repeats
	capturedResponses []float64 // consumed per captured query; last one repeats
	failAll           bool
}

func (f *fakeCommandChannel) Query(command string) (string, error) {
	f.log = append(f.log, command)
	if f.failAll {
		return "", fmt.Errorf("connection refused")
	}
	switch command {
	case "*PCAP.ARM=":
		if len(f.armResponses) > 0 {
			r := f.armResponses[0]
			f.armResponses = f.armResponses[1:]
			return r, nil
		}
		return "OK", nil
	case "*PCAP.STATUS?":
		if len(f.statusResponses) == 0 {
			return "OK =Idle", nil
		}
		r := f.statusResponses[0]
		if len(f.statusResponses) > 1 {
			f.statusResponses = f.statusResponses[1:]
		}
		return r, nil
	}
	return "OK", nil
}

func (f *fakeCommandChannel) NumericQuery(command string) (float64, error) {
	f.log = append(f.log, command)
	if f.failAll {
		return 0, fmt.Errorf("connection refused")
	}
	if len(f.capturedResponses) == 0 {
		return 0, nil
	}
	r := f.capturedResponses[0]
	if len(f.capturedResponses) > 1 {
		f.capturedResponses = f.capturedResponses[1:]
	}
	return r, nil
}

func (f *fakeCommandChannel) EnabledChannelCount() (int, error) {
	if f.failAll {
		return 0, fmt.Errorf("connection refused")
	}
	return f.nchan, nil
}

func (f *fakeCommandChannel) countCommand(cmd string) int {
	n := 0
	for _, c := range f.log {
		if c == cmd {
			n++
		}
	}
	return n
}

// scriptStream replays a fixed sequence of lines, interleaved with stalls
// that surface as ErrNoLine, the way a bounded socket read would.
type scriptStream struct {
	events []string // a literal line, or "<stall>"
	reads  int
}

const stallEvent = "<stall>"

func (s *scriptStream) ReadLine(timeout time.Duration) (string, error) {
	s.reads++
	if len(s.events) == 0 {
		return "", ErrNoLine
	}
	ev := s.events[0]
	s.events = s.events[1:]
	if ev == stallEvent {
		return "", ErrNoLine
	}
	return ev, nil
}

func (s *scriptStream) ReadLines(n int, timeout time.Duration) ([]string, error) {
	lines := make([]string, 0, n)
	for len(lines) < n {
		line, err := s.ReadLine(timeout)
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func headerFixture(channels ...string) []string {
	lines := []string{"missed: 0", "process: Scaled", "format: ASCII", "fields:"}
	for i, ch := range channels {
		lines = append(lines, fmt.Sprintf(" %d %s double", i+1, ch))
	}
	return append(lines, "")
}

// newTestController builds a controller with short timeouts and axes 1..3
// registered.
func newTestController(cmd *fakeCommandChannel, stream LineStream) *AcquisitionController {
	c := NewAcquisitionController(cmd, stream, HardwareTriggerConfig{
		Enable: "PCOMP2.OUT", Gate: "LUT1.OUT", Trig: "LUT1.OUT"})
	c.startTimeout = 100 * time.Millisecond
	c.startPoll = 2 * time.Millisecond
	c.lineTimeout = time.Millisecond
	for axis := 1; axis <= 3; axis++ {
		c.AddDevice(axis)
	}
	return c
}

func TestReadOneBeforeLoad(t *testing.T) {
	c := newTestController(&fakeCommandChannel{}, &scriptStream{})
	for axis := 2; axis <= 3; axis++ {
		reading, err := c.ReadOne(axis)
		if err != nil {
			t.Errorf("ReadOne(%d) before Load returned error %v, want empty reading", axis, err)
		}
		if reading.Valued {
			t.Errorf("ReadOne(%d) before Load = %s, want no-data", axis, spew.Sdump(reading))
		}
	}
}

func TestSoftwareRoundTrip(t *testing.T) {
	cmd := &fakeCommandChannel{
		nchan:             2,
		statusResponses:   []string{"OK =Busy"},
		capturedResponses: []float64{2},
	}
	stream := &scriptStream{events: append(headerFixture("INENC1.VAL", "COUNTER1.OUT"),
		"0.1 5", "0.2 7", "END")}
	c := newTestController(cmd, stream)

	require.NoError(t, c.SetAxisParameter(2, "ChannelName", "COUNTER1.OUT"))
	assert.Contains(t, cmd.log, "COUNTER1.OUT.CAPTURE=Value")

	c.SetSynchronization(SoftwareSync)
	require.NoError(t, c.Load(1, 0.5, 1))
	assert.Contains(t, cmd.log, "PULSE1.WIDTH=0.500000000")
	assert.Contains(t, cmd.log, "PCAP.ENABLE=PULSE1.OUT")
	assert.Equal(t, Armed, c.State())

	require.NoError(t, c.StartAll())
	assert.Contains(t, cmd.log, "PULSE1.TRIG=ZERO")
	assert.Contains(t, cmd.log, "PULSE1.TRIG=ONE")
	assert.Equal(t, Capturing, c.State())

	require.NoError(t, c.ReadAll())
	assert.Equal(t, Idle, c.State())
	assert.True(t, c.Complete())
	assert.Equal(t, []string{"INENC1.VAL", "COUNTER1.OUT"}, c.Header().Channels)

	timer, err := c.ReadOne(1)
	require.NoError(t, err)
	assert.True(t, timer.Valued && timer.Scalar)
	assert.Equal(t, 0.5, timer.Value)

	counts, err := c.ReadOne(2)
	require.NoError(t, err)
	assert.True(t, counts.Valued && counts.Scalar)
	assert.Equal(t, 5.0, counts.Value)
}

func TestHardwareAccumulation(t *testing.T) {
	cmd := &fakeCommandChannel{
		nchan:             1,
		statusResponses:   []string{"OK =Busy"},
		capturedResponses: []float64{1, 2, 3},
	}
	stream := &scriptStream{events: append(headerFixture("COUNTER1.OUT"),
		"5", stallEvent, "7", stallEvent, "9", "END")}
	c := newTestController(cmd, stream)

	require.NoError(t, c.SetAxisParameter(2, "ChannelName", "COUNTER1.OUT"))
	c.SetSynchronization(HardwareSync)
	require.NoError(t, c.Load(1, 0.1, 3))
	require.NoError(t, c.StartAll())

	for poll := 1; poll <= 3; poll++ {
		require.NoError(t, c.ReadAll())
		if got := c.decoder.Cursor(); got != poll {
			t.Errorf("after poll %d cursor = %d, want %d", poll, got, poll)
		}
	}

	reading, err := c.ReadOne(2)
	require.NoError(t, err)
	assert.False(t, reading.Scalar)
	assert.Equal(t, []float64{5, 7, 9}, reading.Values)
	assert.Equal(t, 3, c.decoder.Cursor())
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, cmd.countCommand("*PCAP.DISARM="), "disarm must be issued exactly once")

	// The timer column is synthesized, one value per row.
	timer, err := c.ReadOne(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.1, 0.1}, timer.Values)
}

func TestBindingMissingFromHeader(t *testing.T) {
	cmd := &fakeCommandChannel{
		nchan:             1,
		statusResponses:   []string{"OK =Busy"},
		capturedResponses: []float64{1},
	}
	stream := &scriptStream{events: append(headerFixture("INENC1.VAL"), "0.25", "END")}
	c := newTestController(cmd, stream)

	require.NoError(t, c.SetAxisParameter(2, "ChannelName", "CALC1.OUT"))
	c.SetSynchronization(SoftwareSync)
	require.NoError(t, c.Load(1, 0.5, 1))
	require.NoError(t, c.StartAll())
	require.NoError(t, c.ReadAll())

	_, err := c.ReadOne(2)
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Errorf("ReadOne with a binding absent from the header returned %v, want ConfigError", err)
	}
}

func TestArmRejectedOnceThenAccepted(t *testing.T) {
	clean := &fakeCommandChannel{statusResponses: []string{"OK =Busy"}}
	cClean := newTestController(clean, &scriptStream{})
	cClean.SetSynchronization(SoftwareSync)
	require.NoError(t, cClean.Load(1, 0.5, 1))
	require.NoError(t, cClean.StartAll())

	rejected := &fakeCommandChannel{
		armResponses:    []string{"ERR cannot arm", "OK"},
		statusResponses: []string{"OK =Busy"},
	}
	cRetry := newTestController(rejected, &scriptStream{})
	cRetry.SetSynchronization(SoftwareSync)
	require.NoError(t, cRetry.Load(1, 0.5, 1))
	require.NoError(t, cRetry.StartAll())

	assert.Equal(t, Capturing, cClean.State())
	assert.Equal(t, Capturing, cRetry.State())
	assert.Equal(t, clean.countCommand("*PCAP.ARM=")+1, rejected.countCommand("*PCAP.ARM="))
	assert.Equal(t, clean.countCommand("*PCAP.DISARM=")+1, rejected.countCommand("*PCAP.DISARM="))
}

func TestArmRejectedTwice(t *testing.T) {
	cmd := &fakeCommandChannel{armResponses: []string{"ERR cannot arm", "ERR cannot arm"}}
	c := newTestController(cmd, &scriptStream{})
	c.SetSynchronization(SoftwareSync)
	require.NoError(t, c.Load(1, 0.5, 1))

	err := c.StartAll()
	var terr *TransientApplianceError
	if !errors.As(err, &terr) {
		t.Errorf("StartAll after two arm rejections returned %v, want TransientApplianceError", err)
	}
}

func TestStartAllTimeout(t *testing.T) {
	cmd := &fakeCommandChannel{statusResponses: []string{"OK =Idle"}}
	stream := &scriptStream{events: headerFixture("COUNTER1.OUT")}
	c := newTestController(cmd, stream)
	c.startTimeout = 30 * time.Millisecond
	c.SetSynchronization(SoftwareSync)
	require.NoError(t, c.Load(1, 0.5, 1))

	err := c.StartAll()
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("StartAll with appliance stuck Idle returned %v, want TimeoutError", err)
	}
	if stream.reads != 0 {
		t.Errorf("StartAll consumed %d stream lines after timing out, want 0", stream.reads)
	}
}

func TestAbortWhenIdleIsHarmless(t *testing.T) {
	cmd := &fakeCommandChannel{}
	c := newTestController(cmd, &scriptStream{})
	c.AbortOne()
	assert.Equal(t, Idle, c.State())
	// A best-effort disarm may still go out.
	assert.LessOrEqual(t, cmd.countCommand("*PCAP.DISARM="), 1)
}

func TestLoadValidation(t *testing.T) {
	cmd := &fakeCommandChannel{}
	c := newTestController(cmd, &scriptStream{})

	err := c.Load(2, 0.5, 1)
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Errorf("Load on axis 2 returned %v, want ConfigError", err)
	}

	// Integration times below ten clock ticks at 125 MHz are clamped.
	require.NoError(t, c.Load(1, 1e-12, 1))
	assert.Equal(t, 8e-8, c.Config().IntegrationTime)
	assert.Contains(t, cmd.log, "PULSE1.WIDTH=0.000000080")
}

func TestRebindRejectedWhileArmed(t *testing.T) {
	cmd := &fakeCommandChannel{}
	c := newTestController(cmd, &scriptStream{})
	require.NoError(t, c.Load(1, 0.5, 1))

	err := c.SetAxisParameter(2, "ChannelName", "COUNTER1.OUT")
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Errorf("rebinding while Armed returned %v, want ConfigError", err)
	}
}

func TestRebindDisablesPreviousChannel(t *testing.T) {
	cmd := &fakeCommandChannel{}
	c := newTestController(cmd, &scriptStream{})
	require.NoError(t, c.SetAxisParameter(2, "ChannelName", "COUNTER1.OUT"))
	require.NoError(t, c.SetAxisParameter(2, "AcquisitionMode", "Mean"))
	require.NoError(t, c.SetAxisParameter(2, "ChannelName", "CALC1.OUT"))

	want := []string{
		"COUNTER1.OUT.CAPTURE=Value",
		"COUNTER1.OUT.CAPTURE=Mean",
		"COUNTER1.OUT.CAPTURE=No",
		"CALC1.OUT.CAPTURE=Mean",
	}
	var captures []string
	for _, line := range cmd.log {
		if strings.Contains(line, ".CAPTURE=") {
			captures = append(captures, line)
		}
	}
	assert.Equal(t, want, captures)
}

func TestSetAxisParameterRejectsUnknown(t *testing.T) {
	c := newTestController(&fakeCommandChannel{}, &scriptStream{})
	cases := []struct {
		axis        int
		name, value string
	}{
		{1, "ChannelName", "COUNTER1.OUT"}, // timer axis has no attributes
		{2, "ChannelName", "NOPE.OUT"},
		{2, "AcquisitionMode", "Median"},
		{2, "Gain", "2"},
		{9, "ChannelName", "COUNTER1.OUT"}, // unregistered axis
	}
	for _, tc := range cases {
		err := c.SetAxisParameter(tc.axis, tc.name, tc.value)
		var cerr *ConfigError
		if !errors.As(err, &cerr) {
			t.Errorf("SetAxisParameter(%d, %s, %s) = %v, want ConfigError",
				tc.axis, tc.name, tc.value, err)
		}
	}
}

func TestStateAllMapping(t *testing.T) {
	cases := []struct {
		response string
		want     StatusCode
		wantErr  bool
	}{
		{"OK =Busy", StatusBusy, false},
		{"OK =Idle", StatusIdle, false},
		{"OK =Disarmed", StatusFault, false},
		{"gibberish", StatusFault, true},
	}
	for _, tc := range cases {
		cmd := &fakeCommandChannel{statusResponses: []string{tc.response}}
		c := newTestController(cmd, &scriptStream{})
		code, status, err := c.StateAll()
		if code != tc.want {
			t.Errorf("StateAll with %q = %s, want %s", tc.response, code, tc.want)
		}
		if status != tc.response {
			t.Errorf("StateAll status text = %q, want %q", status, tc.response)
		}
		var uerr *UnrecognizedStateError
		if gotErr := errors.As(err, &uerr); gotErr != tc.wantErr {
			t.Errorf("StateAll with %q error = %v, want unrecognized-state error %t",
				tc.response, err, tc.wantErr)
		}
	}
}

func TestCommandChannelFailureFaults(t *testing.T) {
	cmd := &fakeCommandChannel{failAll: true}
	c := newTestController(cmd, &scriptStream{})
	if err := c.Load(1, 0.5, 1); err == nil {
		t.Fatal("Load with unreachable command channel should fail")
	}
	assert.Equal(t, Faulted, c.State())
}

func TestHeaderRetriedAcrossPolls(t *testing.T) {
	cmd := &fakeCommandChannel{
		nchan:             1,
		statusResponses:   []string{"OK =Busy"},
		capturedResponses: []float64{0, 1},
	}
	// The header arrives in two pieces; the first poll must leave the
	// parser unparsed without losing the lines it already consumed.
	events := []string{"missed: 0", "process: Scaled", stallEvent}
	events = append(events, "format: ASCII", "fields:", " 1 COUNTER1.OUT double", "", "4", "END")
	stream := &scriptStream{events: events}
	c := newTestController(cmd, stream)
	require.NoError(t, c.SetAxisParameter(2, "ChannelName", "COUNTER1.OUT"))
	c.SetSynchronization(SoftwareSync)
	require.NoError(t, c.Load(1, 0.5, 1))
	require.NoError(t, c.StartAll())

	require.NoError(t, c.ReadAll())
	assert.False(t, c.header.Parsed(), "header must stay unparsed after a stalled poll")

	require.NoError(t, c.ReadAll())
	assert.True(t, c.header.Parsed())
	reading, err := c.ReadOne(2)
	require.NoError(t, err)
	assert.Equal(t, 4.0, reading.Value)
}

func TestBadDataRowFaults(t *testing.T) {
	cmd := &fakeCommandChannel{
		nchan:             1,
		statusResponses:   []string{"OK =Busy"},
		capturedResponses: []float64{1},
	}
	stream := &scriptStream{events: append(headerFixture("COUNTER1.OUT"), "1.5 bogus", "END")}
	c := newTestController(cmd, stream)
	c.SetSynchronization(SoftwareSync)
	require.NoError(t, c.Load(1, 0.5, 1))
	require.NoError(t, c.StartAll())

	err := c.ReadAll()
	var ferr *FramingError
	if !errors.As(err, &ferr) {
		t.Errorf("ReadAll with a malformed data row returned %v, want FramingError", err)
	}
	assert.Equal(t, Faulted, c.State())
}
