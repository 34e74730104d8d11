package pandabox

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CommandChannel is the request/response control connection to the appliance.
// Commands are ASCII strings in the PandABox command language and must reach
// the hardware bit-for-bit; this interface never reinterprets them.
type CommandChannel interface {
	// Query sends one command and returns the full response text.
	Query(command string) (string, error)

	// NumericQuery sends one command and parses the response as a float.
	NumericQuery(command string) (float64, error)

	// EnabledChannelCount reports how many channels currently have capture
	// enabled on the appliance.
	EnabledChannelCount() (int, error)
}

// PandA is the TCP implementation of CommandChannel, speaking the PandABox
// ASCII control protocol on the command port. Responses are a single line
// ("OK", "OK =value" or "ERR reason") or a multi-line block of "!"-prefixed
// values terminated by a lone ".".
type PandA struct {
	host    string
	timeout time.Duration
	conn    net.Conn
	rw      *bufio.ReadWriter
	mu      sync.Mutex // serializes request/response pairs on the socket
}

// applianceAddr resolves a hostname to host:port, letting an explicit
// ":port" in the name override the appliance's well-known port.
func applianceAddr(host string, defaultPort int) string {
	if strings.Contains(host, ":") {
		return host
	}
	return net.JoinHostPort(host, fmt.Sprint(defaultPort))
}

// NewPandA prepares a client for the appliance at the given hostname. Call
// Connect before issuing queries.
func NewPandA(host string) *PandA {
	return &PandA{host: host, timeout: 2 * time.Second}
}

// Connect dials the appliance command port.
func (p *PandA) Connect() error {
	addr := applianceAddr(p.host, Ports.Command)
	conn, err := net.DialTimeout("tcp", addr, p.timeout)
	if err != nil {
		return &SetupError{Op: "command socket connect", Err: err}
	}
	p.conn = conn
	p.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	return nil
}

// Disconnect closes the command socket.
func (p *PandA) Disconnect() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// Query sends one command and collects the response. Multi-line responses
// are joined with newlines, with the "!" markers and "." terminator removed.
func (p *PandA) Query(command string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return "", fmt.Errorf("command socket is not connected")
	}

	if err := p.conn.SetDeadline(time.Now().Add(p.timeout)); err != nil {
		return "", err
	}
	if _, err := p.rw.WriteString(command + "\n"); err != nil {
		return "", fmt.Errorf("sending %q: %v", command, err)
	}
	if err := p.rw.Flush(); err != nil {
		return "", fmt.Errorf("sending %q: %v", command, err)
	}

	first, err := p.readLine()
	if err != nil {
		return "", fmt.Errorf("reading reply to %q: %v", command, err)
	}
	if first == "." { // an empty multi-line response
		return "", nil
	}
	if !strings.HasPrefix(first, "!") {
		return first, nil
	}

	// Multi-line response: "!" values until a lone ".".
	values := []string{strings.TrimPrefix(first, "!")}
	for {
		line, err := p.readLine()
		if err != nil {
			return "", fmt.Errorf("reading reply to %q: %v", command, err)
		}
		if line == "." {
			break
		}
		values = append(values, strings.TrimPrefix(line, "!"))
	}
	return strings.Join(values, "\n"), nil
}

// NumericQuery sends one command and parses a single numeric response of the
// form "OK =<number>".
func (p *PandA) NumericQuery(command string) (float64, error) {
	resp, err := p.Query(command)
	if err != nil {
		return 0, err
	}
	value := resp
	if i := strings.Index(resp, "="); i >= 0 {
		value = resp[i+1:]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("response to %q is not numeric: %q", command, resp)
	}
	return f, nil
}

// EnabledChannelCount counts the capture-enabled fields reported by the
// appliance, one per line of the *CAPTURE? response.
func (p *PandA) EnabledChannelCount() (int, error) {
	resp, err := p.Query("*CAPTURE?")
	if err != nil {
		return 0, err
	}
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return 0, nil
	}
	return len(strings.Split(resp, "\n")), nil
}

func (p *PandA) readLine() (string, error) {
	line, err := p.rw.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
