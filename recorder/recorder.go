// Package recorder persists one CSV row per handled detection.
package recorder

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	iface "ButtonCutter/interface"
)

// Columns is the header row, in file order.
var Columns = []string{"frame", "class", "confidence", "xmin", "ymin", "xmax", "ymax", "stepper_x", "stepper_y"}

type Record struct {
	Frame     int
	Detection iface.Detection
	Step      *iface.StepPoint // nil when mapping is unavailable
}

func (r Record) row() []string {
	b := r.Detection.Box
	row := []string{
		strconv.Itoa(r.Frame),
		r.Detection.Class,
		roundString(float64(r.Detection.Conf), 4),
		roundString(float64(b.XMin()), 2),
		roundString(float64(b.YMin()), 2),
		roundString(float64(b.XMax()), 2),
		roundString(float64(b.YMax()), 2),
		"",
		"",
	}
	if r.Step != nil {
		row[7] = strconv.Itoa(r.Step.X)
		row[8] = strconv.Itoa(r.Step.Y)
	}
	return row
}

type Recorder struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
	rows int
}

// FileName builds "<prefix>_<yyyymmdd-hhmmss>_<session>.csv".
func FileName(prefix, sessionID string, at time.Time) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s.csv", prefix, at.Format("20060102-150405"), short)
}

// Open creates the session file in dir and writes the header.
func Open(dir, prefix, sessionID string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	path := filepath.Join(dir, FileName(prefix, sessionID, time.Now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create record file: %w", err)
	}
	r := &Recorder{path: path, f: f, w: csv.NewWriter(f)}
	if err := r.writeRow(Columns); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Path() string { return r.path }

// Rows is the number of data rows written.
func (r *Recorder) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// Write appends rec and flushes it to disk.
func (r *Recorder) Write(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeRow(rec.row()); err != nil {
		return err
	}
	r.rows++
	return nil
}

func (r *Recorder) writeRow(row []string) error {
	if r.w == nil {
		return fmt.Errorf("record file %s is closed", r.path)
	}
	if err := r.w.Write(row); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	r.w.Flush()
	err := r.w.Error()
	r.w = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func roundString(v float64, places int) string {
	p := math.Pow(10, float64(places))
	return strconv.FormatFloat(math.Round(v*p)/p, 'f', -1, 64)
}
