package main

import (
	adhoc "ButtonCutter/Adhoc"
	"ButtonCutter/actuator"
	"ButtonCutter/config"
	"ButtonCutter/control"
	"ButtonCutter/engine"
	backend "ButtonCutter/gRPC"
	iface "ButtonCutter/interface"
	"ButtonCutter/logger"
	"ButtonCutter/mapper"
	"ButtonCutter/monitor"
	"ButtonCutter/pipeline"
	"ButtonCutter/recorder"
	"ButtonCutter/sequencer"
	"ButtonCutter/video"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func init() {
	// highgui 需要在主线程上运行
	runtime.LockOSThread()
}

func main() {
	if err := run(); err != nil {
		logger.Log().Error("ButtonCutter exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Log().Info("Safely exited")
	logger.Sync()
}

func run() error {
	if err := logger.InitProduction(); err != nil {
		fmt.Println("Failed to init logger:", err)
		return err
	}
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	err = logger.Init(logger.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		OutputPaths: cfg.Logging.OutputPaths,
	})
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	fmt.Println(strings.Repeat("#", 64))
	logger.Log().Info("ButtonCutter starting",
		zap.String("session", sessionID),
		zap.String("mode", cfg.Mode),
		zap.String("target", cfg.Target.ClassName),
		zap.String("config", config.Path()))
	fmt.Println(strings.Repeat("#", 64))

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	transform := buildTransform(cfg.Calibration)

	det, err := engine.New(engine.EngineConfigFrom(cfg.Model))
	if err != nil {
		return err
	}
	defer det.Destroy()

	cam, err := video.OpenCamera(cfg.Camera.Index)
	if err != nil {
		return err
	}
	defer cam.Close()

	var display iface.Display = video.Headless{}
	if cfg.Camera.ShowWindow {
		display = video.NewWindow(cfg.Camera.Window)
	}
	defer display.Close()

	hub := control.NewHub(64)
	defer hub.Close()

	deps := pipeline.Deps{
		Source:    cam,
		Detector:  det,
		Display:   display,
		Transform: transform,
		Events:    hub,
	}
	if cfg.Mode != config.ModeDemo {
		w, err := openTransport(cfg.Actuator)
		if err != nil {
			return err
		}
		defer w.Close()
		deps.Actuator = sequencer.New(w, sequencer.Delays{
			First: cfg.Actuator.FirstSettle(),
			Next:  cfg.Actuator.Settle(),
			Home:  cfg.Actuator.HomeSettle(),
		})

		if cfg.Record.Enabled {
			rec, err := recorder.Open(cfg.Record.Dir, cfg.Record.Prefix, sessionID)
			if err != nil {
				return err
			}
			defer rec.Close()
			deps.Recorder = rec
			logger.Log().Info("Recording detections", zap.String("file", rec.Path()))
		}
	}
	runner := pipeline.New(pipeline.OptionsFrom(cfg), deps)

	var wg sync.WaitGroup
	if cfg.MonitorPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.StartMon(cfg.MonitorPort, ctx)
		}()
	}
	if cfg.ControlPort > 0 {
		srv := control.Start(cfg.ControlPort, control.NewRouter(runner, hub))
		defer control.Shutdown(srv)
	}
	if cfg.RPCPort > 0 {
		s, err := backend.StartGRPCServer(cfg.RPCPort, backend.NewHealth(transform != nil, deps.Actuator != nil))
		if err != nil {
			return err
		}
		defer s.GracefulStop()
	}
	if cfg.Registry.Use {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			logger.Log().Warn("Failed to get outbound IP", zap.Error(err))
			ip = "127.0.0.1"
		}
		reg := adhoc.RegServerConfig{}
		reg.SetAddress(cfg.Registry.Host, cfg.Registry.Port)
		hb := adhoc.NewHeartbeat(reg, time.Duration(cfg.Registry.PeriodMs)*time.Millisecond, adhoc.Station{
			Name:         cfg.Registry.Station,
			IP:           ip,
			ControlPort:  cfg.ControlPort,
			TargetClass:  cfg.Target.ClassName,
			MappingReady: transform != nil,
		})
		wg.Add(1)
		go hb.Run(ctx, &wg)
	} else {
		logger.Log().Info("registry.use is false, skipping registration")
	}

	err = runner.Run(ctx)
	cancel()
	wg.Wait()

	st := runner.Status()
	logger.Log().Info("Session finished",
		zap.Int("frames", st.Frames),
		zap.Int("detections", st.Detections),
		zap.Int("handled", st.Handled),
		zap.Int("sequences", st.Sequences),
		zap.Int("failed", st.Failed),
		zap.Int("aborted", st.Aborted))
	return err
}

// buildTransform returns nil when the calibration is unusable; the loop
// then keeps detecting without driving the actuator.
func buildTransform(cal config.Calibration) *mapper.Transform {
	set, err := mapper.NewCalibrationSet(cal.Camera, cal.Actuator)
	if err != nil {
		logger.Log().Error("Invalid calibration, mapping disabled", zap.Error(err))
		return nil
	}
	t, err := mapper.Build(set)
	if err != nil {
		logger.Log().Error("Could not compute homography, mapping disabled", zap.Error(err))
		return nil
	}
	logger.Log().Info("Homography matrix", zap.Stringer("H", t))
	return t
}

func openTransport(cfg config.Actuator) (io.WriteCloser, error) {
	if !cfg.Enabled {
		logger.Log().Warn("Actuator disabled, commands are logged only")
		return &actuator.Discard{}, nil
	}
	p, err := actuator.Open(cfg)
	if err != nil {
		return nil, err
	}
	logger.Log().Info("Connected to actuator", zap.String("port", p.Name()), zap.Int("baud", cfg.Baud))
	return p, nil
}
