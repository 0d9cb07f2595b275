package engine

import (
	iface "ButtonCutter/interface"
	"ButtonCutter/logger"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// remoteBox accepts either xyxy or x/y/width/height boxes.
type remoteBox struct {
	Class  string  `json:"class"`
	Conf   float32 `json:"confidence"`
	XMin   float32 `json:"xmin"`
	YMin   float32 `json:"ymin"`
	XMax   float32 `json:"xmax"`
	YMax   float32 `json:"ymax"`
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

func (b remoteBox) detection() iface.Detection {
	if b.XMax == 0 && b.YMax == 0 && (b.Width > 0 || b.Height > 0) {
		return iface.Detection{Class: b.Class, Conf: b.Conf, Box: iface.NewBox(b.X, b.Y, b.X+b.Width, b.Y+b.Height)}
	}
	return iface.Detection{Class: b.Class, Conf: b.Conf, Box: iface.NewBox(b.XMin, b.YMin, b.XMax, b.YMax)}
}

type remoteResponse struct {
	Detections []remoteBox `json:"detections"`
}

// RemoteDetector posts JPEG frames to an HTTP inference service as a
// multipart "file" field.
type RemoteDetector struct {
	mu     sync.Mutex
	URL    string
	Conf   float32
	Iou    float32
	client *resty.Client
	State  int
}

func (r *RemoteDetector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{Backend: "remote", RemoteURL: r.URL, Conf: r.Conf, Iou: r.Iou}
}

func (r *RemoteDetector) LoadModel(cfg iface.EngineConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.RemoteURL == "" {
		return fmt.Errorf("%w: remote URL cannot be empty", ErrModelLoad)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r.URL = cfg.RemoteURL
	r.Conf = cfg.Conf
	r.Iou = cfg.Iou
	r.client = resty.New().SetTimeout(timeout)
	r.State = IDLE

	// 仅提示，推理服务可能稍后才启动
	if err := r.checkHealth(); err != nil {
		logger.Log().Warn("ML service not available", zap.String("url", r.URL), zap.Error(err))
	}
	return nil
}

func (r *RemoteDetector) checkHealth() error {
	url := strings.TrimSuffix(r.URL, "/predict") + "/health"
	resp, err := r.client.R().Get(url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("ml service unhealthy: %s", resp.Status())
	}
	return nil
}

func (r *RemoteDetector) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = nil
	r.URL = ""
	r.State = UNREGISTERED
}

func (r *RemoteDetector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State != IDLE || r.client == nil {
		return nil, errors.New("model not loaded")
	}
	if img.Empty() {
		return nil, errors.New("empty frame")
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	var result remoteResponse
	resp, err := r.client.R().
		SetFileReader("file", "frame.jpg", bytes.NewReader(buf.GetBytes())).
		SetResult(&result).
		Post(r.URL)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("inference failed with status: %s", resp.Status())
	}
	dets := make([]iface.Detection, 0, len(result.Detections))
	for _, b := range result.Detections {
		if b.Conf < r.Conf {
			continue
		}
		dets = append(dets, b.detection())
	}
	return dets, nil
}
