// Package sequencer drives the XY table around a square footprint.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	iface "ButtonCutter/interface"
	"ButtonCutter/logger"

	"go.uber.org/zap"
)

var (
	ErrTransport = iface.ErrTransport
	ErrAborted   = errors.New("sequence aborted")
)

// Origin is where the table returns after every footprint.
var Origin = iface.StepPoint{X: 0, Y: 0}

// Footprint corners in travel order.
type Footprint struct {
	TopLeft     iface.StepPoint
	TopRight    iface.StepPoint
	BottomRight iface.StepPoint
	BottomLeft  iface.StepPoint
}

// Corners returns the corners in travel order.
func (f Footprint) Corners() [4]iface.StepPoint {
	return [4]iface.StepPoint{f.TopLeft, f.TopRight, f.BottomRight, f.BottomLeft}
}

// SquareAround centres a square of sizeUnits on center. Up is negative y.
func SquareAround(center iface.StepPoint, sizeUnits, stepsPerUnitX, stepsPerUnitY float64) Footprint {
	ox := int(math.Round(sizeUnits / 2 * stepsPerUnitX))
	oy := int(math.Round(sizeUnits / 2 * stepsPerUnitY))
	return Footprint{
		TopLeft:     iface.StepPoint{X: center.X - ox, Y: center.Y - oy},
		TopRight:    iface.StepPoint{X: center.X + ox, Y: center.Y - oy},
		BottomRight: iface.StepPoint{X: center.X + ox, Y: center.Y + oy},
		BottomLeft:  iface.StepPoint{X: center.X - ox, Y: center.Y + oy},
	}
}

// FormatCommand renders the "x,y\n" line the firmware parses.
func FormatCommand(p iface.StepPoint) []byte {
	b := make([]byte, 0, 16)
	b = strconv.AppendInt(b, int64(p.X), 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(p.Y), 10)
	return append(b, '\n')
}

type Delays struct {
	First time.Duration // after the first corner
	Next  time.Duration // after each following corner
	Home  time.Duration // after the return-to-origin command
}

func DefaultDelays() Delays {
	return Delays{First: 6 * time.Second, Next: time.Second, Home: time.Second}
}

// Report describes how far a sequence got.
type Report struct {
	Sent     int
	Commands []iface.StepPoint
	Elapsed  time.Duration
}

// Sequencer is the only writer to the actuator transport.
type Sequencer struct {
	mu     sync.Mutex
	w      io.Writer
	delays Delays
	wait   func(ctx context.Context, d time.Duration) error
}

func New(w io.Writer, delays Delays) *Sequencer {
	return &Sequencer{w: w, delays: delays, wait: sleepCtx}
}

// Send writes the four corners then the origin, settling after each write.
// The first failed write or a cancelled ctx stops the sequence; commands
// already written are not undone.
func (s *Sequencer) Send(ctx context.Context, fp Footprint) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	corners := fp.Corners()
	steps := []struct {
		p     iface.StepPoint
		delay time.Duration
	}{
		{corners[0], s.delays.First},
		{corners[1], s.delays.Next},
		{corners[2], s.delays.Next},
		{corners[3], s.delays.Next},
		{Origin, s.delays.Home},
	}

	var rep Report
	for i, st := range steps {
		if err := ctx.Err(); err != nil {
			rep.Elapsed = time.Since(start)
			return rep, fmt.Errorf("%w before command %d: %w", ErrAborted, i+1, err)
		}
		if err := s.write(st.p); err != nil {
			rep.Elapsed = time.Since(start)
			return rep, err
		}
		rep.Sent++
		rep.Commands = append(rep.Commands, st.p)
		logger.Log().Info("Sent command", zap.Int("index", i+1), zap.Int("x", st.p.X), zap.Int("y", st.p.Y))
		if err := s.wait(ctx, st.delay); err != nil {
			rep.Elapsed = time.Since(start)
			return rep, fmt.Errorf("%w after command %d: %w", ErrAborted, i+1, err)
		}
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

// Home sends only the return-to-origin command.
func (s *Sequencer) Home(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if err := s.write(Origin); err != nil {
		return err
	}
	logger.Log().Info("Sent return-to-origin command")
	return s.wait(ctx, s.delays.Home)
}

func (s *Sequencer) write(p iface.StepPoint) error {
	cmd := FormatCommand(p)
	n, err := s.w.Write(cmd)
	if err == nil && n != len(cmd) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return fmt.Errorf("command %q: %w", cmd[:len(cmd)-1], err)
		}
		return fmt.Errorf("%w: command %q: %w", ErrTransport, cmd[:len(cmd)-1], err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
