package iface

import (
	"errors"
	"time"

	"github.com/golang/geo/r2"
)

// ErrTransport marks a failure of the byte stream to the actuator.
var ErrTransport = errors.New("transport error")

type Position struct {
	X, Y float32
}

type Box struct {
	LT Position
	RT Position
	RB Position
	LB Position
}

// NewBox builds the four corners from an xyxy rectangle.
func NewBox(xmin, ymin, xmax, ymax float32) Box {
	return Box{
		LT: Position{X: xmin, Y: ymin},
		RT: Position{X: xmax, Y: ymin},
		RB: Position{X: xmax, Y: ymax},
		LB: Position{X: xmin, Y: ymax},
	}
}

func (b Box) XMin() float32 { return b.LT.X }
func (b Box) YMin() float32 { return b.LT.Y }
func (b Box) XMax() float32 { return b.RB.X }
func (b Box) YMax() float32 { return b.RB.Y }

// Center is the midpoint of the box.
func (b Box) Center() Position {
	return Position{
		X: (b.LT.X + b.RB.X) / 2,
		Y: (b.LT.Y + b.RB.Y) / 2,
	}
}

// Detection is one object reported by a backend for a single frame.
type Detection struct {
	Class string
	Conf  float32
	Box   Box
}

// Centroid returns the box midpoint in camera pixel space.
func (d Detection) Centroid() r2.Point {
	c := d.Box.Center()
	return r2.Point{X: float64(c.X), Y: float64(c.Y)}
}

// StepPoint is a position in actuator step space.
type StepPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type NamesConf struct {
	IsFile bool
	Data   any
}

type EngineConfig struct {
	Backend   string
	UseGPU    bool
	ModelPath string
	Names     NamesConf
	Conf      float32
	Iou       float32
	InputSize int
	RemoteURL string
	Timeout   time.Duration
}

type EventKind string

const (
	EventDetection       EventKind = "detection"
	EventSequenceStarted EventKind = "sequence_started"
	EventSequenceDone    EventKind = "sequence_done"
	EventSequenceFailed  EventKind = "sequence_failed"
	EventSequenceAborted EventKind = "sequence_aborted"
	EventMappingFailed   EventKind = "mapping_failed"
	EventStopped         EventKind = "stopped"
)

// Event is what the pipeline publishes to operators.
type Event struct {
	ID      string     `json:"id"`
	Kind    EventKind  `json:"kind"`
	Time    time.Time  `json:"time"`
	Frame   int        `json:"frame"`
	Class   string     `json:"class,omitempty"`
	Conf    float32    `json:"confidence,omitempty"`
	CenterX float32    `json:"centerX,omitempty"`
	CenterY float32    `json:"centerY,omitempty"`
	Step    *StepPoint `json:"step,omitempty"`
	Sent    int        `json:"sent,omitempty"`
	Message string     `json:"message,omitempty"`
}
