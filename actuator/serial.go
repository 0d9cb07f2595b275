// Package actuator owns the byte stream to the XY table controller.
package actuator

import (
	"fmt"
	"io"
	"sync"
	"time"

	"ButtonCutter/config"
	iface "ButtonCutter/interface"
	"ButtonCutter/logger"

	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// openPort is swapped out in tests.
var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

// Port is a write-only command channel over a serial link.
type Port struct {
	name      string
	mu        sync.Mutex
	rwc       io.ReadWriteCloser
	closeOnce sync.Once
	closeErr  error
}

// Open connects to cfg.Port and waits cfg.OpenSettle() for the controller
// to come out of reset.
func Open(cfg config.Actuator) (*Port, error) {
	sc := &serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout(),
	}
	rwc, err := openPort(sc)
	if err != nil {
		return nil, fmt.Errorf("%w: could not open serial port %s: %w", iface.ErrTransport, cfg.Port, err)
	}
	if d := cfg.OpenSettle(); d > 0 {
		time.Sleep(d)
	}
	logger.Log().Info("Serial connection established", zap.String("port", cfg.Port), zap.Int("baud", cfg.Baud))
	return &Port{name: cfg.Port, rwc: rwc}, nil
}

func (p *Port) Name() string { return p.name }

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rwc == nil {
		return 0, fmt.Errorf("%w: serial port %s is closed", iface.ErrTransport, p.name)
	}
	n, err := p.rwc.Write(b)
	if err != nil {
		return n, fmt.Errorf("%w: error writing to serial port %s: %w", iface.ErrTransport, p.name, err)
	}
	return n, nil
}

// Close is safe to call more than once.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closeErr = p.rwc.Close()
		p.rwc = nil
		logger.Log().Info("Serial connection closed", zap.String("port", p.name))
	})
	return p.closeErr
}

// Discard accepts commands without a controller attached (dry run).
type Discard struct {
	mu   sync.Mutex
	sent [][]byte
}

func (d *Discard) Write(b []byte) (int, error) {
	d.mu.Lock()
	d.sent = append(d.sent, append([]byte(nil), b...))
	d.mu.Unlock()
	logger.Log().Debug("Dry-run command", zap.ByteString("command", b))
	return len(b), nil
}

func (d *Discard) Close() error { return nil }

// Sent returns a copy of every command written so far.
func (d *Discard) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}
