// Package mapper converts camera pixel coordinates into actuator step
// coordinates with a planar homography solved from four calibration pairs.
package mapper

import (
	"errors"
	"fmt"
	"math"

	iface "ButtonCutter/interface"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrCalibration          = errors.New("calibration error")
	ErrTransformUnavailable = errors.New("perspective transformation matrix not available")
	ErrDegenerateTransform  = errors.New("degenerate perspective transform")
)

const (
	// minDivisor guards the perspective divide. H is scaled so H[2][2] == 1,
	// which keeps w close to 1 inside the calibrated area.
	minDivisor = 1e-9
	// maxCondition bounds the condition number of the normalised 8x8 system.
	maxCondition = 1e10
	// collinearTol is the smallest |sin| allowed between two edges of a
	// point triple.
	collinearTol = 1e-6
)

// CalibrationSet holds index-aligned correspondences: Camera[i] is seen
// where the actuator sits at Actuator[i].
type CalibrationSet struct {
	Camera   [4]r2.Point
	Actuator [4]r2.Point
}

// NewCalibrationSet validates the raw [x, y] pairs taken from configuration.
func NewCalibrationSet(camera, actuator [][]float64) (CalibrationSet, error) {
	var cal CalibrationSet
	if len(camera) != 4 || len(actuator) != 4 {
		return cal, fmt.Errorf("%w: need exactly 4 camera and 4 actuator points, got %d and %d",
			ErrCalibration, len(camera), len(actuator))
	}
	for i := 0; i < 4; i++ {
		if len(camera[i]) != 2 {
			return cal, fmt.Errorf("%w: camera point %d must be [x, y]", ErrCalibration, i)
		}
		if len(actuator[i]) != 2 {
			return cal, fmt.Errorf("%w: actuator point %d must be [x, y]", ErrCalibration, i)
		}
		cal.Camera[i] = r2.Point{X: camera[i][0], Y: camera[i][1]}
		cal.Actuator[i] = r2.Point{X: actuator[i][0], Y: actuator[i][1]}
	}
	return cal, nil
}

// Transform is an immutable 3x3 projective matrix.
type Transform struct {
	m [3][3]float64
}

// Build solves the homography mapping cal.Camera onto cal.Actuator.
func Build(cal CalibrationSet) (*Transform, error) {
	if err := checkGeneralPosition("camera", cal.Camera); err != nil {
		return nil, err
	}
	if err := checkGeneralPosition("actuator", cal.Actuator); err != nil {
		return nil, err
	}

	src, srcScale, srcCenter := normalize(cal.Camera)
	dst, dstScale, dstCenter := normalize(cal.Actuator)

	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -x * u, -y * u})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -x * v, -y * v})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var lu mat.LU
	lu.Factorize(a)
	if c := lu.Cond(); math.IsNaN(c) || c > maxCondition {
		return nil, fmt.Errorf("%w: ill-conditioned system (cond=%.3g)", ErrCalibration, c)
	}
	var h mat.VecDense
	if err := lu.SolveVecTo(&h, false, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibration, err)
	}

	hn := mat.NewDense(3, 3, []float64{
		h.AtVec(0), h.AtVec(1), h.AtVec(2),
		h.AtVec(3), h.AtVec(4), h.AtVec(5),
		h.AtVec(6), h.AtVec(7), 1,
	})
	tSrc := mat.NewDense(3, 3, []float64{
		srcScale, 0, -srcScale * srcCenter.X,
		0, srcScale, -srcScale * srcCenter.Y,
		0, 0, 1,
	})
	tDstInv := mat.NewDense(3, 3, []float64{
		1 / dstScale, 0, dstCenter.X,
		0, 1 / dstScale, dstCenter.Y,
		0, 0, 1,
	})

	var tmp, full mat.Dense
	tmp.Mul(hn, tSrc)
	full.Mul(tDstInv, &tmp)

	s := full.At(2, 2)
	if math.Abs(s) < minDivisor {
		return nil, fmt.Errorf("%w: homography has no finite scale", ErrCalibration)
	}
	t := &Transform{}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			t.m[r][c] = full.At(r, c) / s
		}
	}
	return t, nil
}

// Matrix returns a copy of the 3x3 matrix.
func (t *Transform) Matrix() [3][3]float64 {
	return t.m
}

func (t *Transform) String() string {
	if t == nil {
		return "<unavailable>"
	}
	return fmt.Sprintf("[%.6g %.6g %.6g; %.6g %.6g %.6g; %.6g %.6g %.6g]",
		t.m[0][0], t.m[0][1], t.m[0][2],
		t.m[1][0], t.m[1][1], t.m[1][2],
		t.m[2][0], t.m[2][1], t.m[2][2])
}

// Apply projects p without rounding.
func (t *Transform) Apply(p r2.Point) (r2.Point, error) {
	if t == nil {
		return r2.Point{}, ErrTransformUnavailable
	}
	m := &t.m
	w := m[2][0]*p.X + m[2][1]*p.Y + m[2][2]
	if math.Abs(w) < minDivisor || math.IsNaN(w) {
		return r2.Point{}, fmt.Errorf("%w: w=%g at (%.2f, %.2f)", ErrDegenerateTransform, w, p.X, p.Y)
	}
	out := r2.Point{
		X: (m[0][0]*p.X + m[0][1]*p.Y + m[0][2]) / w,
		Y: (m[1][0]*p.X + m[1][1]*p.Y + m[1][2]) / w,
	}
	if math.IsInf(out.X, 0) || math.IsInf(out.Y, 0) || math.IsNaN(out.X) || math.IsNaN(out.Y) {
		return r2.Point{}, fmt.Errorf("%w: non-finite result at (%.2f, %.2f)", ErrDegenerateTransform, p.X, p.Y)
	}
	return out, nil
}

// Map projects p and truncates the result toward zero.
func (t *Transform) Map(p r2.Point) (iface.StepPoint, error) {
	q, err := t.Apply(p)
	if err != nil {
		return iface.StepPoint{}, err
	}
	return iface.StepPoint{X: int(math.Trunc(q.X)), Y: int(math.Trunc(q.Y))}, nil
}

// Map is the free-function form of (*Transform).Map; a nil t reports
// ErrTransformUnavailable.
func Map(t *Transform, p r2.Point) (iface.StepPoint, error) {
	return t.Map(p)
}

func checkGeneralPosition(name string, pts [4]r2.Point) error {
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			for k := j + 1; k < 4; k++ {
				e1 := pts[j].Sub(pts[i])
				e2 := pts[k].Sub(pts[i])
				scale := e1.Norm() * e2.Norm()
				if scale == 0 || math.Abs(e1.Cross(e2)) <= collinearTol*scale {
					return fmt.Errorf("%w: %s points %d, %d and %d are collinear or coincident",
						ErrCalibration, name, i, j, k)
				}
			}
		}
	}
	return nil
}

// normalize moves the centroid to the origin and scales the mean distance
// to sqrt(2).
func normalize(pts [4]r2.Point) ([4]r2.Point, float64, r2.Point) {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(0.25)
	var d float64
	for _, p := range pts {
		d += p.Sub(c).Norm()
	}
	d /= 4
	s := math.Sqrt2 / d
	var out [4]r2.Point
	for i, p := range pts {
		out[i] = p.Sub(c).Mul(s)
	}
	return out, s, c
}
