package engine

import (
	iface "ButtonCutter/interface"
	"ButtonCutter/logger"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// classOffset separates boxes of different classes so a single NMS pass
// only suppresses overlaps within a class.
const classOffset = 8192

// Detector runs a YOLOv8 ONNX export through the OpenCV DNN module.
type Detector struct {
	mu        sync.Mutex
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	UseGPU    bool
	InputSize int
	net       gocv.Net
	loaded    bool
	State     int
}

func (d *Detector) New() bool {
	d.State = REGISTERED
	return true
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   "onnx",
		ModelPath: d.ModelPath,
		Conf:      d.Conf,
		Iou:       d.Iou,
		UseGPU:    d.UseGPU,
		InputSize: d.InputSize,
		Names: iface.NamesConf{
			IsFile: false,
			Data:   d.Names,
		},
	}
}

func (d *Detector) LoadModel(cfg iface.EngineConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == UNREGISTERED {
		return fmt.Errorf("%w: detector not registered", ErrModelLoad)
	}
	if !strings.HasSuffix(strings.ToLower(cfg.ModelPath), ".onnx") {
		return fmt.Errorf("%w: onnx backend only supports .onnx, got %s", ErrModelLoad, cfg.ModelPath)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	names, err := resolveNames(cfg.Names)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return fmt.Errorf("%w: failed to read network from %s", ErrModelLoad, cfg.ModelPath)
	}
	if cfg.UseGPU {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}
	if d.loaded {
		_ = d.net.Close()
	}
	d.net = net
	d.loaded = true
	d.ModelPath = cfg.ModelPath
	d.Names = names
	d.Conf = cfg.Conf
	d.Iou = cfg.Iou
	d.UseGPU = cfg.UseGPU
	d.InputSize = cfg.InputSize
	if d.InputSize <= 0 {
		d.InputSize = 640
	}
	d.State = IDLE
	logger.Log().Info("Model loaded", zap.String("ModelPath", d.ModelPath), zap.Int("classes", len(d.Names)),
		zap.Float32("Confidence", d.Conf), zap.Float32("IoU", d.Iou), zap.Bool("UseGPU", d.UseGPU))
	return nil
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		_ = d.net.Close()
		d.loaded = false
	}
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
}

func (d *Detector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.State {
	case UNREGISTERED:
		return nil, errors.New("detector not registered")
	case REGISTERED:
		return nil, errors.New("model not loaded")
	case BUSY:
		return nil, errors.New("detector is busy")
	}
	if img.Empty() {
		return nil, errors.New("empty frame")
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	size := image.Pt(d.InputSize, d.InputSize)
	blob := gocv.BlobFromImage(img, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read network output: %w", err)
	}
	sx := float32(img.Cols()) / float32(d.InputSize)
	sy := float32(img.Rows()) / float32(d.InputSize)
	cands, err := decodeYOLOv8(data, out.Size(), sx, sy, d.Conf)
	if err != nil {
		return nil, err
	}
	return suppress(cands, d.Names, d.Conf, d.Iou), nil
}

type candidate struct {
	class int
	conf  float32
	box   iface.Box
}

// decodeYOLOv8 reads a [1, 4+nc, n] tensor: cx, cy, w, h rows followed by
// one score row per class, scaled back to frame pixels.
func decodeYOLOv8(data []float32, dims []int, sx, sy, conf float32) ([]candidate, error) {
	if len(dims) != 3 || dims[0] != 1 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	channels, n := dims[1], dims[2]
	if channels < 5 {
		return nil, fmt.Errorf("output has %d channels, need at least 5", channels)
	}
	if len(data) < channels*n {
		return nil, fmt.Errorf("output has %d values, shape %v needs %d", len(data), dims, channels*n)
	}
	nc := channels - 4
	var out []candidate
	for i := 0; i < n; i++ {
		best, score := -1, float32(0)
		for c := 0; c < nc; c++ {
			if s := data[(4+c)*n+i]; s > score {
				best, score = c, s
			}
		}
		if best < 0 || score < conf {
			continue
		}
		cx, cy := data[i], data[n+i]
		w, h := data[2*n+i], data[3*n+i]
		out = append(out, candidate{
			class: best,
			conf:  score,
			box:   iface.NewBox((cx-w/2)*sx, (cy-h/2)*sy, (cx+w/2)*sx, (cy+h/2)*sy),
		})
	}
	return out, nil
}

// suppress runs class-aware NMS and names the survivors.
func suppress(cands []candidate, names []string, conf, iou float32) []iface.Detection {
	if len(cands) == 0 {
		return nil
	}
	rects := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		off := c.class * classOffset
		rects[i] = image.Rect(int(c.box.XMin())+off, int(c.box.YMin())+off, int(c.box.XMax())+off, int(c.box.YMax())+off)
		scores[i] = c.conf
	}
	keep := gocv.NMSBoxes(rects, scores, conf, iou)
	dets := make([]iface.Detection, 0, len(keep))
	for _, idx := range keep {
		c := cands[idx]
		dets = append(dets, iface.Detection{
			Class: className(names, c.class),
			Conf:  c.conf,
			Box:   c.box,
		})
	}
	return dets
}
