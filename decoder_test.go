package pandabox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderToleratesPartialTrailingLine(t *testing.T) {
	var d DataDecoder
	d.Append("0.1 5\n0.2 ")

	table, err := d.Table(2)
	require.NoError(t, err)
	require.NotNil(t, table)
	nrows, ncols := table.Dims()
	assert.Equal(t, 1, nrows)
	assert.Equal(t, 2, ncols)
	assert.Equal(t, 5.0, table.At(0, 1))

	// The rest of the interrupted row arrives on a later poll.
	d.Append("7\n")
	table, err = d.Table(2)
	require.NoError(t, err)
	nrows, _ = table.Dims()
	assert.Equal(t, 2, nrows)
	assert.Equal(t, 7.0, table.At(1, 1))
}

func TestDecoderEmptyBuffer(t *testing.T) {
	var d DataDecoder
	table, err := d.Table(3)
	if table != nil || err != nil {
		t.Errorf("empty decoder returned table=%v err=%v, want nil, nil", table, err)
	}

	// A lone partial line is not decodable either.
	d.Append("0.25 1")
	table, err = d.Table(2)
	if table != nil || err != nil {
		t.Errorf("partial-only decoder returned table=%v err=%v, want nil, nil", table, err)
	}
}

func TestDecoderRejectsMalformedRows(t *testing.T) {
	var wrongWidth DataDecoder
	wrongWidth.AppendLine("1 2 3")
	_, err := wrongWidth.Table(2)
	var ferr *FramingError
	if !errors.As(err, &ferr) {
		t.Errorf("wrong-width row: got %v, want FramingError", err)
	}

	var notNumeric DataDecoder
	notNumeric.AppendLine("1 fish")
	_, err = notNumeric.Table(2)
	if !errors.As(err, &ferr) {
		t.Errorf("non-numeric row: got %v, want FramingError", err)
	}
}

func TestDecoderCursor(t *testing.T) {
	var d DataDecoder
	d.AppendLine("1 2")
	d.AppendLine("3 4")
	assert.Equal(t, 0, d.Cursor())
	d.Advance(2)
	assert.Equal(t, 2, d.Cursor())
	d.Reset()
	assert.Equal(t, 0, d.Cursor())
	table, err := d.Table(2)
	require.NoError(t, err)
	assert.Nil(t, table)
}

func TestDataFrame(t *testing.T) {
	f := NewDataFrame(2)
	require.NoError(t, f.AppendRow(0.5, []float64{5, 10}))
	require.NoError(t, f.AppendRow(0.5, []float64{7, 14}))
	assert.Equal(t, 2, f.NumRows())
	assert.Equal(t, []float64{0.5, 0.5}, f.Column(0))
	assert.Equal(t, []float64{5, 7}, f.Column(1))
	assert.Equal(t, []float64{10, 14}, f.Column(2))
	assert.Equal(t, 14.0, f.At(1, 2))

	if err := f.AppendRow(0.5, []float64{1}); err == nil {
		t.Error("appending a short row should fail")
	}

	m := f.Matrix()
	nrows, ncols := m.Dims()
	assert.Equal(t, 2, nrows)
	assert.Equal(t, 3, ncols)
}
