// Package npyout dumps decoded acquisition frames as NumPy .npy files for
// offline analysis.
package npyout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// WriteFrame stores the matrix (one row per capture event, column 0 the
// integration time) under dir as <runID>.npy, creating dir if needed.
func WriteFrame(dir, runID string, m *mat.Dense) (string, error) {
	if m == nil {
		return "", fmt.Errorf("no data to write for run %s", runID)
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	fullname := filepath.Join(dir, runID+".npy")
	f, err := os.Create(fullname)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := npyio.Write(f, m); err != nil {
		os.Remove(fullname)
		return "", fmt.Errorf("writing %s: %v", fullname, err)
	}
	return fullname, nil
}
