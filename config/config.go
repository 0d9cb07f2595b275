package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeContinuous = "continuous"
	ModeSingle     = "single"
	ModeDemo       = "demo"

	BackendOnnx   = "onnx"
	BackendRemote = "remote"

	EnvConfigPath  = "BUTTONCUTTER_CONFIG"
	EnvSerialPort  = "BUTTONCUTTER_SERIAL_PORT"
	EnvCameraIndex = "BUTTONCUTTER_CAMERA_INDEX"
	EnvModelPath   = "BUTTONCUTTER_MODEL_PATH"
)

type Camera struct {
	Index      int    `yaml:"index"`
	Window     string `yaml:"window"`
	ShowWindow bool   `yaml:"showWindow"`
	QuitKey    string `yaml:"quitKey"`
}

type Model struct {
	Backend   string   `yaml:"backend"`
	Path      string   `yaml:"path"`
	Names     []string `yaml:"names"`
	NamesFile string   `yaml:"namesFile"`
	Conf      float32  `yaml:"conf"`
	Iou       float32  `yaml:"iou"`
	InputSize int      `yaml:"inputSize"`
	UseGPU    bool     `yaml:"useGPU"`
	RemoteURL string   `yaml:"remoteURL"`
	TimeoutMs int      `yaml:"timeoutMs"`
}

type Target struct {
	ClassName     string  `yaml:"className"`
	SquareSize    float64 `yaml:"squareSize"`
	StepsPerUnitX float64 `yaml:"stepsPerUnitX"`
	StepsPerUnitY float64 `yaml:"stepsPerUnitY"`
}

type Calibration struct {
	Camera   [][]float64 `yaml:"camera"`
	Actuator [][]float64 `yaml:"actuator"`
}

type Actuator struct {
	Enabled       bool   `yaml:"enabled"`
	Port          string `yaml:"port"`
	Baud          int    `yaml:"baud"`
	ReadTimeoutMs int    `yaml:"readTimeoutMs"`
	OpenSettleMs  int    `yaml:"openSettleMs"`
	FirstSettleMs int    `yaml:"firstSettleMs"`
	SettleMs      int    `yaml:"settleMs"`
	HomeSettleMs  int    `yaml:"homeSettleMs"`
}

func (a Actuator) ReadTimeout() time.Duration { return ms(a.ReadTimeoutMs) }
func (a Actuator) OpenSettle() time.Duration  { return ms(a.OpenSettleMs) }
func (a Actuator) FirstSettle() time.Duration { return ms(a.FirstSettleMs) }
func (a Actuator) Settle() time.Duration      { return ms(a.SettleMs) }
func (a Actuator) HomeSettle() time.Duration  { return ms(a.HomeSettleMs) }

type Record struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Prefix   string `yaml:"prefix"`
	Unmapped bool   `yaml:"unmapped"` // also record targets that could not be mapped
}

type Logging struct {
	Development bool     `yaml:"development"`
	Level       string   `yaml:"level"`
	OutputPaths []string `yaml:"outputPaths"`
}

type Registry struct {
	Use      bool   `yaml:"use"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Station  string `yaml:"station"`
	PeriodMs int    `yaml:"periodMs"`
}

type Config struct {
	Mode         string      `yaml:"mode"`
	SummaryEvery int         `yaml:"summaryEvery"`
	Camera       Camera      `yaml:"camera"`
	Model        Model       `yaml:"model"`
	Target       Target      `yaml:"target"`
	Calibration  Calibration `yaml:"calibration"`
	Actuator     Actuator    `yaml:"actuator"`
	Record       Record      `yaml:"record"`
	Logging      Logging     `yaml:"logging"`
	MonitorPort  int         `yaml:"monitorPort"`
	ControlPort  int         `yaml:"controlPort"`
	RPCPort      int         `yaml:"RPCPort"`
	Registry     Registry    `yaml:"registry"`
}

// Default mirrors the bench the cutter was first calibrated on.
func Default() Config {
	return Config{
		Mode:         ModeContinuous,
		SummaryEvery: 30,
		Camera: Camera{
			Index:      1,
			Window:     "Button & Zipper Detection",
			ShowWindow: true,
			QuitKey:    "q",
		},
		Model: Model{
			Backend:   BackendOnnx,
			Path:      "models/my_model.onnx",
			Conf:      0.5,
			Iou:       0.45,
			InputSize: 640,
			TimeoutMs: 5000,
		},
		Target: Target{
			ClassName:     "button",
			SquareSize:    3,
			StepsPerUnitX: 2850 / 28.5,
			StepsPerUnitY: 2750 / 27.5,
		},
		Calibration: Calibration{
			Camera:   [][]float64{{87, 33}, {533, 19}, {109, 464}, {541, 452}},
			Actuator: [][]float64{{0, 0}, {-2850, 0}, {0, -2750}, {-2850, -2750}},
		},
		Actuator: Actuator{
			Enabled:       true,
			Port:          "COM8",
			Baud:          9600,
			ReadTimeoutMs: 1000,
			OpenSettleMs:  2000,
			FirstSettleMs: 6000,
			SettleMs:      1000,
			HomeSettleMs:  1000,
		},
		Record: Record{
			Enabled:  true,
			Dir:      ".",
			Prefix:   "detections",
			Unmapped: true,
		},
		Logging: Logging{
			Level: "info",
		},
		MonitorPort: 50052,
		ControlPort: 8080,
		RPCPort:     50051,
		Registry: Registry{
			PeriodMs: 5000,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the config file location, "config.yaml" unless overridden.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return "config.yaml"
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvSerialPort); v != "" {
		c.Actuator.Port = v
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Model.Path = v
	}
	if v := os.Getenv(EnvCameraIndex); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCameraIndex, err)
		}
		c.Camera.Index = idx
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeContinuous, ModeSingle, ModeDemo:
	default:
		errs = append(errs, fmt.Errorf("mode must be %s, %s or %s, got %q", ModeContinuous, ModeSingle, ModeDemo, c.Mode))
	}
	if c.Camera.Index < 0 {
		errs = append(errs, fmt.Errorf("camera.index must be >= 0"))
	}
	if len(c.Camera.QuitKey) != 1 {
		errs = append(errs, fmt.Errorf("camera.quitKey must be a single character"))
	}
	switch c.Model.Backend {
	case BackendOnnx:
		if c.Model.Path == "" {
			errs = append(errs, errors.New("model.path cannot be empty"))
		}
	case BackendRemote:
		if !strings.HasPrefix(c.Model.RemoteURL, "http://") && !strings.HasPrefix(c.Model.RemoteURL, "https://") {
			errs = append(errs, fmt.Errorf("model.remoteURL must be an http(s) URL, got %q", c.Model.RemoteURL))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported model.backend: %q", c.Model.Backend))
	}
	if c.Model.Conf < 0 || c.Model.Conf > 1 {
		errs = append(errs, fmt.Errorf("model.conf must be between 0.0 and 1.0, got %f", c.Model.Conf))
	}
	if c.Model.Iou < 0 || c.Model.Iou > 1 {
		errs = append(errs, fmt.Errorf("model.iou must be between 0.0 and 1.0, got %f", c.Model.Iou))
	}
	if c.Mode != ModeDemo {
		if c.Target.ClassName == "" {
			errs = append(errs, errors.New("target.className cannot be empty"))
		}
		if c.Target.SquareSize < 0 {
			errs = append(errs, errors.New("target.squareSize must be >= 0"))
		}
		if c.Target.StepsPerUnitX <= 0 || c.Target.StepsPerUnitY <= 0 {
			errs = append(errs, errors.New("target.stepsPerUnitX and stepsPerUnitY must be > 0"))
		}
		if c.Actuator.Enabled {
			if c.Actuator.Port == "" {
				errs = append(errs, errors.New("actuator.port cannot be empty"))
			}
			if c.Actuator.Baud <= 0 {
				errs = append(errs, errors.New("actuator.baud must be > 0"))
			}
		}
		if c.Actuator.FirstSettleMs < 0 || c.Actuator.SettleMs < 0 || c.Actuator.HomeSettleMs < 0 || c.Actuator.OpenSettleMs < 0 {
			errs = append(errs, errors.New("actuator settle delays must be >= 0"))
		}
	}
	if c.Registry.Use && (c.Registry.Host == "" || c.Registry.Port <= 0) {
		errs = append(errs, errors.New("registry.host and registry.port are required when registry.use is true"))
	}
	return errors.Join(errs...)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
