package iface

import "gocv.io/x/gocv"

type Backend interface {
	LoadModel(cfg EngineConfig) error
	Detect(image gocv.Mat) ([]Detection, error)
	Destroy()
	CheckConfig() EngineConfig
}

// FrameSource is satisfied by *gocv.VideoCapture.
type FrameSource interface {
	Read(m *gocv.Mat) bool
	Close() error
}

type Display interface {
	Show(img gocv.Mat)
	PollKey(delayMs int) int
	Close() error
}

type Publisher interface {
	Publish(ev Event)
}
