package pandabox

import (
	"fmt"
	"strings"
	"time"
)

// The stream header is a fixed preamble followed by one line per enabled
// channel, then one blank line:
//
//	missed: 0
//	process: Scaled
//	format: ASCII
//	fields:
//	 <index> <name> <meta...>   (one line per channel)
//	<blank>
const preambleLines = 4

// headerMarker must appear on the final preamble line for the header to be
// trusted.
const headerMarker = "fields:"

// CaptureHeader is the ordered list of channel names as the appliance streams
// them: only currently-enabled channels, in appliance-internal (alphabetic)
// order. This is NOT the order axes were added, so callers must map by name.
type CaptureHeader struct {
	Channels []string
}

// ColumnOf returns the stream column index of the named channel.
func (h CaptureHeader) ColumnOf(name string) (int, bool) {
	for i, ch := range h.Channels {
		if ch == name {
			return i, true
		}
	}
	return 0, false
}

// HeaderParser consumes the header block from the line stream, once per
// acquisition. A stalled stream leaves it unparsed with the lines read so far
// retained, so the next poll resumes where this one stopped.
type HeaderParser struct {
	parsed bool
	lines  []string
	header CaptureHeader
}

// Reset discards any partially or fully parsed header.
func (hp *HeaderParser) Reset() {
	hp.parsed = false
	hp.lines = nil
	hp.header = CaptureHeader{}
}

// Parsed reports whether a complete header has been recovered.
func (hp *HeaderParser) Parsed() bool { return hp.parsed }

// Header returns the parsed CaptureHeader. Valid only once Parsed is true.
func (hp *HeaderParser) Header() CaptureHeader { return hp.header }

// Parse reads the remainder of the header block for an acquisition with
// nchannels enabled channels. ErrNoLine means the header is incomplete and
// Parse should be retried on the next poll; any other error is a framing
// failure.
func (hp *HeaderParser) Parse(stream LineStream, nchannels int, timeout time.Duration) error {
	if hp.parsed {
		return nil
	}
	want := preambleLines + nchannels + 1 // preamble, channel lines, blank line
	if missing := want - len(hp.lines); missing > 0 {
		lines, err := stream.ReadLines(missing, timeout)
		hp.lines = append(hp.lines, lines...)
		if err != nil {
			return err
		}
	}

	marker := hp.lines[preambleLines-1]
	if !strings.Contains(marker, headerMarker) {
		return &FramingError{Reason: fmt.Sprintf("header preamble line %d is %q, want %q",
			preambleLines, marker, headerMarker)}
	}

	channels := make([]string, 0, nchannels)
	for _, line := range hp.lines[preambleLines : preambleLines+nchannels] {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return &FramingError{Reason: fmt.Sprintf("malformed channel line %q", line)}
		}
		channels = append(channels, fields[1])
	}
	hp.header = CaptureHeader{Channels: channels}
	hp.parsed = true
	return nil
}
