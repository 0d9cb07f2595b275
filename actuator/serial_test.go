package actuator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"ButtonCutter/config"
	iface "ButtonCutter/interface"
	"ButtonCutter/sequencer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
)

type fakePort struct {
	bytes.Buffer
	writeErr error
	closed   int
}

func (f *fakePort) Write(b []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.Buffer.Write(b)
}

func (f *fakePort) Close() error {
	f.closed++
	return nil
}

func withFakePort(t *testing.T, fp *fakePort, openErr error) *serial.Config {
	t.Helper()
	var got serial.Config
	old := openPort
	openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
		got = *c
		if openErr != nil {
			return nil, openErr
		}
		return fp, nil
	}
	t.Cleanup(func() { openPort = old })
	return &got
}

func testActuatorConfig() config.Actuator {
	cfg := config.Default().Actuator
	cfg.Port = "/dev/ttyACM0"
	cfg.OpenSettleMs = 0
	return cfg
}

func TestOpen_ConfiguresPort(t *testing.T) {
	fp := &fakePort{}
	got := withFakePort(t, fp, nil)

	p, err := Open(testActuatorConfig())
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "/dev/ttyACM0", got.Name)
	assert.Equal(t, 9600, got.Baud)
	assert.Equal(t, testActuatorConfig().ReadTimeout(), got.ReadTimeout)
	assert.Equal(t, "/dev/ttyACM0", p.Name())
}

func TestOpen_Failure(t *testing.T) {
	withFakePort(t, nil, errors.New("no such device"))
	_, err := Open(testActuatorConfig())
	assert.ErrorIs(t, err, iface.ErrTransport)
}

func TestPort_WriteAndClose(t *testing.T) {
	fp := &fakePort{}
	withFakePort(t, fp, nil)
	p, err := Open(testActuatorConfig())
	require.NoError(t, err)

	n, err := p.Write([]byte("10,20\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "10,20\n", fp.String())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, fp.closed)

	_, err = p.Write([]byte("0,0\n"))
	assert.ErrorIs(t, err, iface.ErrTransport)
}

func TestPort_WriteError(t *testing.T) {
	fp := &fakePort{writeErr: errors.New("i/o timeout")}
	withFakePort(t, fp, nil)
	p, err := Open(testActuatorConfig())
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Write([]byte("1,1\n"))
	assert.ErrorIs(t, err, iface.ErrTransport)
}

func TestPort_ErrorsSurfaceThroughSequencer(t *testing.T) {
	fp := &fakePort{}
	withFakePort(t, fp, nil)
	p, err := Open(testActuatorConfig())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	square := sequencer.SquareAround(iface.StepPoint{X: -1200, Y: -900}, 3, 100, 100)
	rep, err := sequencer.New(p, sequencer.Delays{}).Send(context.Background(), square)
	require.Error(t, err)
	assert.ErrorIs(t, err, sequencer.ErrTransport)
	assert.ErrorIs(t, err, iface.ErrTransport)
	assert.Zero(t, rep.Sent)
	// wrapped once, not again by the sequencer
	assert.Equal(t, 1, strings.Count(err.Error(), iface.ErrTransport.Error()))
}

func TestDiscard(t *testing.T) {
	d := &Discard{}
	_, err := d.Write([]byte("1,2\n"))
	require.NoError(t, err)
	_, err = d.Write([]byte("0,0\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("1,2\n"), []byte("0,0\n")}, d.Sent())
	assert.NoError(t, d.Close())
}
