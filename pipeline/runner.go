// Package pipeline runs the capture → detect → map → cut loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ButtonCutter/config"
	iface "ButtonCutter/interface"
	"ButtonCutter/logger"
	"ButtonCutter/mapper"
	"ButtonCutter/monitor"
	"ButtonCutter/recorder"
	"ButtonCutter/sequencer"
	"ButtonCutter/video"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	ErrBusy       = errors.New("actuator sequence in progress")
	ErrNoActuator = errors.New("actuator not configured")
)

type Detector interface {
	Detect(img gocv.Mat) ([]iface.Detection, error)
}

type Actuator interface {
	Send(ctx context.Context, fp sequencer.Footprint) (sequencer.Report, error)
	Home(ctx context.Context) error
}

type Recorder interface {
	Write(rec recorder.Record) error
}

type Options struct {
	Mode          string
	TargetClass   string
	SquareSize    float64
	StepsPerUnitX float64
	StepsPerUnitY float64
	QuitKey       byte
	SummaryEvery  int

	// RecordUnmapped keeps a row, with empty step columns, for target
	// detections the transform could not map.
	RecordUnmapped bool
}

// OptionsFrom picks the loop settings out of the station config.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Mode:          cfg.Mode,
		TargetClass:   cfg.Target.ClassName,
		SquareSize:    cfg.Target.SquareSize,
		StepsPerUnitX: cfg.Target.StepsPerUnitX,
		StepsPerUnitY: cfg.Target.StepsPerUnitY,
		QuitKey:       cfg.Camera.QuitKey[0],
		SummaryEvery:  cfg.SummaryEvery,

		RecordUnmapped: cfg.Record.Unmapped,
	}
}

// Deps are owned by the caller; the runner never closes them. Nil
// Transform disables mapping, nil Actuator disables cutting, nil Recorder
// disables persistence.
type Deps struct {
	Source    iface.FrameSource
	Detector  Detector
	Display   iface.Display
	Transform *mapper.Transform
	Actuator  Actuator
	Recorder  Recorder
	Events    iface.Publisher
}

type Status struct {
	Mode          string           `json:"mode"`
	Target        string           `json:"target"`
	StartedAt     time.Time        `json:"startedAt"`
	Running       bool             `json:"running"`
	Frames        int              `json:"frames"`
	Detections    int              `json:"detections"`
	Handled       int              `json:"handled"`
	Sequences     int              `json:"sequences"`
	Failed        int              `json:"failed"`
	Aborted       int              `json:"aborted"`
	Busy          bool             `json:"busy"`
	MappingReady  bool             `json:"mappingReady"`
	ActuatorReady bool             `json:"actuatorReady"`
	LastStep      *iface.StepPoint `json:"lastStep,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
}

type Runner struct {
	opts Options
	deps Deps

	mu     sync.Mutex
	abort  context.CancelFunc
	status Status
}

func New(opts Options, deps Deps) *Runner {
	if deps.Display == nil {
		deps.Display = video.Headless{}
	}
	if opts.QuitKey == 0 {
		opts.QuitKey = 'q'
	}
	if opts.SummaryEvery <= 0 {
		opts.SummaryEvery = 30
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeContinuous
	}
	return &Runner{
		opts: opts,
		deps: deps,
		status: Status{
			Mode:          opts.Mode,
			Target:        opts.TargetClass,
			MappingReady:  deps.Transform != nil,
			ActuatorReady: deps.Actuator != nil,
		},
	}
}

// Run loops until the quit key, the end of the video stream or ctx is
// cancelled. A failed frame read ends the loop without an error.
func (r *Runner) Run(ctx context.Context) error {
	r.update(func(s *Status) {
		s.Running = true
		s.StartedAt = time.Now()
	})
	defer r.update(func(s *Status) { s.Running = false })

	img := gocv.NewMat()
	defer img.Close()

	frame := 0
	for {
		if ctx.Err() != nil {
			r.publish(iface.Event{Kind: iface.EventStopped, Frame: frame, Message: "cancelled"})
			return nil
		}
		if ok := r.deps.Source.Read(&img); !ok {
			logger.Log().Error("Failed to grab frame", zap.Int("frame", frame))
			r.publish(iface.Event{Kind: iface.EventStopped, Frame: frame, Message: "video source stopped"})
			return nil
		}
		if img.Empty() {
			continue
		}
		monitor.FramesTotal.Inc()

		dets, err := r.deps.Detector.Detect(img)
		if err != nil {
			logger.Log().Warn("Detection failed", zap.Int("frame", frame), zap.Error(err))
			dets = nil
		}
		for _, d := range dets {
			monitor.DetectionsTotal.WithLabelValues(d.Class).Inc()
		}
		r.update(func(s *Status) {
			s.Frames++
			s.Detections += len(dets)
		})
		video.Annotate(&img, dets, r.opts.TargetClass)

		if r.opts.Mode == config.ModeDemo {
			r.summarize(frame, dets)
		} else if r.handleFrame(ctx, frame, dets, &img) && r.opts.Mode == config.ModeSingle {
			r.deps.Display.Show(img)
			logger.Log().Info("Press any key to close the window...")
			r.deps.Display.PollKey(0)
			r.publish(iface.Event{Kind: iface.EventStopped, Frame: frame, Message: "single-shot detection handled"})
			return nil
		}

		r.deps.Display.Show(img)
		if key := r.deps.Display.PollKey(1); key >= 0 && byte(key&0xFF) == r.opts.QuitKey {
			r.publish(iface.Event{Kind: iface.EventStopped, Frame: frame, Message: "quit key"})
			return nil
		}
		frame++
	}
}

// handleFrame processes every target detection of the frame (only the
// first mapped one in single mode) and reports whether any of them was
// mapped to a footprint.
func (r *Runner) handleFrame(ctx context.Context, frame int, dets []iface.Detection, img *gocv.Mat) bool {
	handled := false
	for _, d := range dets {
		if d.Class != r.opts.TargetClass {
			continue
		}
		if !r.handle(ctx, frame, d, img) {
			continue
		}
		handled = true
		if r.opts.Mode == config.ModeSingle || ctx.Err() != nil {
			break
		}
	}
	return handled
}

// handle reports whether d was mapped to a footprint.
func (r *Runner) handle(ctx context.Context, frame int, d iface.Detection, img *gocv.Mat) bool {
	r.update(func(s *Status) { s.Handled++ })
	center := d.Centroid()
	ev := iface.Event{
		Kind:    iface.EventDetection,
		Frame:   frame,
		Class:   d.Class,
		Conf:    d.Conf,
		CenterX: float32(center.X),
		CenterY: float32(center.Y),
	}

	step, err := r.deps.Transform.Map(center)
	var stepPtr *iface.StepPoint
	if err != nil {
		monitor.MappingErrorsTotal.Inc()
		logger.Log().Warn("Could not map centroid to actuator steps", zap.Int("frame", frame),
			zap.Float64("centerX", center.X), zap.Float64("centerY", center.Y), zap.Error(err))
		r.update(func(s *Status) { s.LastError = err.Error() })
		ev.Kind = iface.EventMappingFailed
		ev.Message = err.Error()
	} else {
		stepPtr = &step
		ev.Step = stepPtr
		video.AnnotateStep(img, d, step)
		r.update(func(s *Status) { s.LastStep = stepPtr })
	}
	r.publish(ev)
	if stepPtr == nil {
		if r.opts.RecordUnmapped {
			r.record(frame, d, nil)
		}
		return false
	}
	r.record(frame, d, stepPtr)

	fp := sequencer.SquareAround(step, r.opts.SquareSize, r.opts.StepsPerUnitX, r.opts.StepsPerUnitY)
	logger.Log().Info(fmt.Sprintf("--- %s detected in frame %d ---", d.Class, frame),
		zap.String("centerCamera", fmt.Sprintf("(%.2f, %.2f)", center.X, center.Y)),
		zap.String("centroidSteps", fmt.Sprintf("(%d, %d)", step.X, step.Y)),
		zap.Any("corners", fp.Corners()))

	if r.deps.Actuator == nil {
		return true
	}
	// keep the detection on screen while the table moves
	r.deps.Display.Show(*img)
	r.deps.Display.PollKey(1)
	r.runSequence(ctx, frame, fp)
	return true
}

func (r *Runner) runSequence(ctx context.Context, frame int, fp sequencer.Footprint) {
	seqCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.abort = cancel
	r.status.Busy = true
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.abort = nil
		r.status.Busy = false
		r.mu.Unlock()
	}()

	r.publish(iface.Event{Kind: iface.EventSequenceStarted, Frame: frame})
	logger.Log().Info("Sending square commands...")
	rep, err := r.deps.Actuator.Send(seqCtx, fp)
	switch {
	case err == nil:
		monitor.SequencesTotal.WithLabelValues("done").Inc()
		r.update(func(s *Status) { s.Sequences++ })
		r.publish(iface.Event{Kind: iface.EventSequenceDone, Frame: frame, Sent: rep.Sent})
		logger.Log().Info("Sequence complete, returned home", zap.Duration("elapsed", rep.Elapsed))
	case errors.Is(err, sequencer.ErrAborted):
		monitor.SequencesTotal.WithLabelValues("aborted").Inc()
		r.update(func(s *Status) {
			s.Aborted++
			s.LastError = err.Error()
		})
		r.publish(iface.Event{Kind: iface.EventSequenceAborted, Frame: frame, Sent: rep.Sent, Message: err.Error()})
		logger.Log().Warn("Sequence aborted", zap.Int("sent", rep.Sent), zap.Error(err))
	default:
		monitor.SequencesTotal.WithLabelValues("failed").Inc()
		r.update(func(s *Status) {
			s.Failed++
			s.LastError = err.Error()
		})
		r.publish(iface.Event{Kind: iface.EventSequenceFailed, Frame: frame, Sent: rep.Sent, Message: err.Error()})
		logger.Log().Error("Error writing to actuator", zap.Int("sent", rep.Sent), zap.Error(err))
	}
}

func (r *Runner) record(frame int, d iface.Detection, step *iface.StepPoint) {
	if r.deps.Recorder == nil {
		return
	}
	if err := r.deps.Recorder.Write(recorder.Record{Frame: frame, Detection: d, Step: step}); err != nil {
		logger.Log().Error("Failed to write detection record", zap.Error(err))
		return
	}
	monitor.RecordsTotal.Inc()
}

func (r *Runner) summarize(frame int, dets []iface.Detection) {
	if frame%r.opts.SummaryEvery != 0 {
		return
	}
	for _, d := range dets {
		c := d.Box.Center()
		logger.Log().Info(fmt.Sprintf("Frame %d: Detected %s at (%d, %d) with %.2f%% confidence.",
			frame, d.Class, int(c.X), int(c.Y), d.Conf*100))
	}
}

// Abort cancels the sequence in flight. It reports false when idle.
func (r *Runner) Abort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abort == nil {
		return false
	}
	r.abort()
	logger.Log().Warn("Operator aborted the actuator sequence")
	return true
}

// Home returns the table to the origin when no sequence is running.
func (r *Runner) Home(ctx context.Context) error {
	if r.deps.Actuator == nil {
		return ErrNoActuator
	}
	r.mu.Lock()
	busy := r.status.Busy
	r.mu.Unlock()
	if busy {
		return ErrBusy
	}
	return r.deps.Actuator.Home(ctx)
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	if s.LastStep != nil {
		p := *s.LastStep
		s.LastStep = &p
	}
	return s
}

func (r *Runner) update(fn func(s *Status)) {
	r.mu.Lock()
	fn(&r.status)
	r.mu.Unlock()
}

func (r *Runner) publish(ev iface.Event) {
	if r.deps.Events == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Time = time.Now()
	r.deps.Events.Publish(ev)
}
