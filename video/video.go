// Package video wraps the camera, the preview window and frame annotation.
package video

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	iface "ButtonCutter/interface"

	"gocv.io/x/gocv"
)

var ErrVideoSource = errors.New("video source error")

var (
	targetColor = color.RGBA{0, 255, 0, 255}
	otherColor  = color.RGBA{255, 144, 30, 255}
	stepColor   = color.RGBA{0, 0, 255, 255}
)

// OpenCamera opens a local capture device by index.
func OpenCamera(index int) (*gocv.VideoCapture, error) {
	cam, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("%w: could not open camera %d: %w", ErrVideoSource, index, err)
	}
	if !cam.IsOpened() {
		_ = cam.Close()
		return nil, fmt.Errorf("%w: camera %d is not opened, check the camera index", ErrVideoSource, index)
	}
	return cam, nil
}

// Window is an OpenCV highgui window.
type Window struct {
	w *gocv.Window
}

func NewWindow(title string) *Window {
	return &Window{w: gocv.NewWindow(title)}
}

func (w *Window) Show(img gocv.Mat) {
	w.w.IMShow(img)
}

func (w *Window) PollKey(delayMs int) int {
	return w.w.WaitKey(delayMs)
}

func (w *Window) Close() error {
	return w.w.Close()
}

// Headless is used when no display is attached. PollKey never reports a key.
type Headless struct{}

func (Headless) Show(gocv.Mat) {}
func (Headless) PollKey(int) int { return -1 }
func (Headless) Close() error { return nil }

var (
	_ iface.Display = (*Window)(nil)
	_ iface.Display = Headless{}
)

// Annotate draws every detection onto img. Detections of class target are
// highlighted and get a centroid marker.
func Annotate(img *gocv.Mat, dets []iface.Detection, target string) {
	for _, d := range dets {
		c := otherColor
		if d.Class == target {
			c = targetColor
		}
		rect := image.Rect(int(d.Box.XMin()), int(d.Box.YMin()), int(d.Box.XMax()), int(d.Box.YMax()))
		gocv.Rectangle(img, rect, c, 2)
		label := Label(d)
		pos := image.Pt(rect.Min.X, rect.Min.Y-6)
		if pos.Y < 12 {
			pos.Y = rect.Min.Y + 14
		}
		gocv.PutText(img, label, pos, gocv.FontHersheySimplex, 0.5, c, 1)
		if d.Class == target {
			center := d.Box.Center()
			gocv.Circle(img, image.Pt(int(center.X), int(center.Y)), 4, c, -1)
		}
	}
}

// AnnotateStep prints the mapped actuator position next to the detection.
func AnnotateStep(img *gocv.Mat, d iface.Detection, p iface.StepPoint) {
	pos := image.Pt(int(d.Box.XMin()), int(d.Box.YMax())+16)
	gocv.PutText(img, fmt.Sprintf("step (%d, %d)", p.X, p.Y), pos, gocv.FontHersheySimplex, 0.45, stepColor, 1)
}

// Label is the "class conf" caption drawn above a box.
func Label(d iface.Detection) string {
	return fmt.Sprintf("%s %.2f", d.Class, d.Conf)
}
