package pandabox

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// endMarker is the token on the line that terminates one acquisition's data,
// regardless of how many rows were streamed.
const endMarker = "END"

// ErrNoLine reports that no complete line arrived within the bounded read.
// It means "retry on the next poll", not a stream failure.
var ErrNoLine = errors.New("no complete line available yet")

// LineStream produces the lines of the appliance data stream. Reads are
// bounded so a stalled appliance cannot hang a poll cycle.
type LineStream interface {
	// ReadLine returns the next complete line without its terminator, or
	// ErrNoLine if none arrived within the timeout.
	ReadLine(timeout time.Duration) (string, error)

	// ReadLines collects up to n complete lines. It returns the lines read so
	// far together with ErrNoLine if the stream stalls before the n-th line.
	ReadLines(n int, timeout time.Duration) ([]string, error)
}

// StreamReader owns the dedicated TCP data connection to the appliance. One
// connection serves the whole controller lifetime; each acquisition sends a
// fresh header+data block over it, ending with the END marker line.
type StreamReader struct {
	host    string
	conn    net.Conn
	r       *bufio.Reader
	partial string // bytes of an incomplete line carried across bounded reads
}

// NewStreamReader prepares a reader for the data port of the given hostname.
func NewStreamReader(host string) *StreamReader {
	return &StreamReader{host: host}
}

// Connect dials the data port and performs the handshake: a bare newline is
// sent and a line containing "OK" must come back. Handshake failure is fatal.
func (sr *StreamReader) Connect() error {
	addr := applianceAddr(sr.host, Ports.Data)
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return &SetupError{Op: "data socket connect", Err: err}
	}
	sr.conn = conn
	sr.r = bufio.NewReader(conn)

	if _, err := conn.Write([]byte("\n")); err != nil {
		conn.Close()
		return &SetupError{Op: "data socket handshake", Err: err}
	}
	ack, err := sr.ReadLine(2 * time.Second)
	if err != nil {
		conn.Close()
		return &SetupError{Op: "data socket handshake", Err: err}
	}
	if !strings.Contains(ack, "OK") {
		conn.Close()
		return &SetupError{Op: "data socket handshake",
			Err: fmt.Errorf("expected OK acknowledgement, got %q", ack)}
	}
	return nil
}

// ReadLine returns the next line of the stream, waiting at most timeout for
// its terminator. A line interrupted by the deadline is kept and completed on
// a later call, so no bytes are lost across bounded reads.
func (sr *StreamReader) ReadLine(timeout time.Duration) (string, error) {
	if sr.conn == nil {
		return "", fmt.Errorf("data socket is not connected")
	}
	if err := sr.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	chunk, err := sr.r.ReadString('\n')
	sr.partial += chunk
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return "", ErrNoLine
		}
		return "", err
	}
	line := strings.TrimRight(sr.partial, "\r\n")
	sr.partial = ""
	return line, nil
}

// ReadLines collects up to n lines, returning early with ErrNoLine if the
// stream stalls. The lines read before the stall are still returned.
func (sr *StreamReader) ReadLines(n int, timeout time.Duration) ([]string, error) {
	lines := make([]string, 0, n)
	for len(lines) < n {
		line, err := sr.ReadLine(timeout)
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Close shuts the data connection.
func (sr *StreamReader) Close() error {
	if sr.conn == nil {
		return nil
	}
	err := sr.conn.Close()
	sr.conn = nil
	return err
}
