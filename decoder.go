package pandabox

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// DataDecoder accumulates the raw text of the stream's data section across
// polls and re-derives the numeric table from it on demand. The cursor counts
// rows already handed to the caller, so each poll appends only unseen rows.
type DataDecoder struct {
	buf    strings.Builder
	cursor int
}

// Reset empties the buffer and rewinds the cursor for a new acquisition.
func (d *DataDecoder) Reset() {
	d.buf.Reset()
	d.cursor = 0
}

// Append adds raw stream text to the accumulation buffer.
func (d *DataDecoder) Append(text string) {
	d.buf.WriteString(text)
}

// AppendLine adds one complete stream line to the accumulation buffer.
func (d *DataDecoder) AppendLine(line string) {
	d.buf.WriteString(line)
	d.buf.WriteByte('\n')
}

// Cursor reports how many rows have been delivered so far.
func (d *DataDecoder) Cursor() int { return d.cursor }

// Advance moves the cursor past n newly delivered rows.
func (d *DataDecoder) Advance(n int) { d.cursor += n }

// Table parses the full accumulated buffer as a float table with ncols
// columns. A trailing line without its terminator is not yet decodable and is
// simply left for the next poll; a complete line that fails to parse is a
// framing error. Returns nil when no complete row exists yet.
func (d *DataDecoder) Table(ncols int) (*mat.Dense, error) {
	text := d.buf.String()
	last := strings.LastIndexByte(text, '\n')
	if last < 0 {
		return nil, nil
	}
	text = text[:last]

	var data []float64
	nrows := 0
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != ncols {
			return nil, &FramingError{Reason: fmt.Sprintf("data row %q has %d samples, want %d", line, len(fields), ncols)}
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, &FramingError{Reason: fmt.Sprintf("data row %q is not numeric: %v", line, err)}
			}
			data = append(data, v)
		}
		nrows++
	}
	if nrows == 0 {
		return nil, nil
	}
	return mat.NewDense(nrows, ncols, data), nil
}

// DataFrame is the decoded per-acquisition table. Column 0 is the synthesized
// integration-time channel; column i+1 holds CaptureHeader channel i. Rows
// accumulate monotonically within one acquisition and reset at Load.
type DataFrame struct {
	ncols int // including the synthesized timer column
	data  []float64
}

// NewDataFrame makes an empty frame for nchannels stream channels.
func NewDataFrame(nchannels int) *DataFrame {
	return &DataFrame{ncols: nchannels + 1}
}

// AppendRow adds one decoded stream row, prepending the integration time.
func (f *DataFrame) AppendRow(itime float64, samples []float64) error {
	if len(samples) != f.ncols-1 {
		return fmt.Errorf("row has %d samples, frame has %d channels", len(samples), f.ncols-1)
	}
	f.data = append(f.data, itime)
	f.data = append(f.data, samples...)
	return nil
}

// NumRows reports how many rows have accumulated.
func (f *DataFrame) NumRows() int {
	if f == nil || f.ncols == 0 {
		return 0
	}
	return len(f.data) / f.ncols
}

// Matrix returns the frame as a dense matrix, one row per capture event.
func (f *DataFrame) Matrix() *mat.Dense {
	if f.NumRows() == 0 {
		return nil
	}
	return mat.NewDense(f.NumRows(), f.ncols, f.data)
}

// Column returns a copy of one column, time-major.
func (f *DataFrame) Column(i int) []float64 {
	m := mat.NewDense(f.NumRows(), f.ncols, f.data)
	return mat.Col(nil, i, m)
}

// At returns the sample at the given row and column.
func (f *DataFrame) At(row, col int) float64 {
	return f.data[row*f.ncols+col]
}
