package engine

import (
	iface "ButtonCutter/interface"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestDetector_All(t *testing.T) {
	d := &Detector{}

	t.Run("Test Detect before New", func(t *testing.T) {
		_, err := d.Detect(gocv.NewMat())
		assert.Error(t, err)
	})

	t.Run("Test New", func(t *testing.T) {
		assert.True(t, d.New())
		assert.Equal(t, REGISTERED, d.State)
	})

	t.Run("Test Detect before LoadModel", func(t *testing.T) {
		_, err := d.Detect(gocv.NewMat())
		assert.EqualError(t, err, "model not loaded")
	})

	t.Run("Test LoadModel wrong extension", func(t *testing.T) {
		err := d.LoadModel(iface.EngineConfig{ModelPath: "model/test_model.param"})
		assert.ErrorIs(t, err, ErrModelLoad)
		assert.Equal(t, REGISTERED, d.State)
	})

	t.Run("Test LoadModel missing file", func(t *testing.T) {
		err := d.LoadModel(iface.EngineConfig{ModelPath: filepath.Join(t.TempDir(), "missing.onnx")})
		assert.ErrorIs(t, err, ErrModelLoad)
	})

	t.Run("Test Destroy", func(t *testing.T) {
		d.Destroy()
		assert.Equal(t, "", d.ModelPath)
		assert.Equal(t, float32(0), d.Conf)
		assert.Equal(t, float32(0), d.Iou)
		assert.Equal(t, false, d.UseGPU)
		assert.Equal(t, UNREGISTERED, d.State)
	})

	t.Run("Test LoadModel after Destroy", func(t *testing.T) {
		err := d.LoadModel(iface.EngineConfig{ModelPath: "x.onnx"})
		assert.ErrorIs(t, err, ErrModelLoad)
	})
}

func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New(iface.EngineConfig{Backend: "tflite"})
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestReadLinesReadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "names.txt")
	require.NoError(t, os.WriteFile(p, []byte("button\r\nzipper\r\n\r\nthread\n"), 0o644))
	lines, err := ReadLinesReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"button", "zipper", "thread"}, lines)

	names, err := resolveNames(iface.NamesConf{IsFile: true, Data: p})
	require.NoError(t, err)
	assert.Equal(t, lines, names)
}

func TestResolveNames(t *testing.T) {
	names, err := resolveNames(iface.NamesConf{Data: []string{"button", "zipper"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"button", "zipper"}, names)

	names, err = resolveNames(iface.NamesConf{Data: []any{"button"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"button"}, names)

	_, err = resolveNames(iface.NamesConf{Data: "button"})
	assert.Error(t, err)
	_, err = resolveNames(iface.NamesConf{Data: []any{1}})
	assert.Error(t, err)
	_, err = resolveNames(iface.NamesConf{IsFile: true, Data: 3})
	assert.Error(t, err)

	assert.Equal(t, "class_7", className([]string{"button"}, 7))
}

// yoloOutput lays out anchors as the [1, 4+nc, n] tensor YOLOv8 exports.
func yoloOutput(nc int, anchors [][]float32) ([]float32, []int) {
	n := len(anchors)
	ch := 4 + nc
	data := make([]float32, ch*n)
	for i, a := range anchors {
		for c := 0; c < ch; c++ {
			data[c*n+i] = a[c]
		}
	}
	return data, []int{1, ch, n}
}

func TestDecodeYOLOv8(t *testing.T) {
	data, dims := yoloOutput(2, [][]float32{
		{320, 320, 64, 32, 0.9, 0.1},
		{100, 100, 20, 20, 0.2, 0.3},
		{200, 120, 40, 40, 0.05, 0.75},
	})

	cands, err := decodeYOLOv8(data, dims, 2, 1.5, 0.5)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, 0, cands[0].class)
	assert.Equal(t, float32(0.9), cands[0].conf)
	assert.Equal(t, iface.NewBox(576, 456, 704, 504), cands[0].box)
	assert.Equal(t, 1, cands[1].class)

	_, err = decodeYOLOv8(data, []int{84, 8400}, 1, 1, 0.5)
	assert.Error(t, err)
	_, err = decodeYOLOv8(data[:5], dims, 1, 1, 0.5)
	assert.Error(t, err)
	_, err = decodeYOLOv8(data, []int{1, 4, 3}, 1, 1, 0.5)
	assert.Error(t, err)
}

func TestSuppress_ClassAware(t *testing.T) {
	cands := []candidate{
		{class: 0, conf: 0.9, box: iface.NewBox(10, 10, 110, 110)},
		{class: 0, conf: 0.8, box: iface.NewBox(12, 12, 112, 112)},
		{class: 1, conf: 0.7, box: iface.NewBox(12, 12, 112, 112)},
	}
	dets := suppress(cands, []string{"button", "zipper"}, 0.5, 0.45)
	require.Len(t, dets, 2)
	classes := []string{dets[0].Class, dets[1].Class}
	assert.ElementsMatch(t, []string{"button", "zipper"}, classes)
	for _, d := range dets {
		if d.Class == "button" {
			assert.Equal(t, float32(0.9), d.Conf)
		}
	}
	assert.Nil(t, suppress(nil, nil, 0.5, 0.5))
}

func TestRemoteDetector(t *testing.T) {
	var gotFile bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/predict":
			f, _, err := r.FormFile("file")
			if err == nil {
				gotFile = true
				f.Close()
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"detections": []map[string]any{
					{"class": "button", "confidence": 0.91, "xmin": 10, "ymin": 20, "xmax": 50, "ymax": 60},
					{"class": "zipper", "confidence": 0.8, "x": 5, "y": 5, "width": 10, "height": 20},
					{"class": "button", "confidence": 0.1, "xmin": 1, "ymin": 1, "xmax": 2, "ymax": 2},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b, err := New(iface.EngineConfig{Backend: "remote", RemoteURL: srv.URL + "/predict", Conf: 0.5})
	require.NoError(t, err)
	defer b.Destroy()

	img := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer img.Close()
	dets, err := b.Detect(img)
	require.NoError(t, err)
	assert.True(t, gotFile)
	require.Len(t, dets, 2)
	assert.Equal(t, iface.Detection{Class: "button", Conf: 0.91, Box: iface.NewBox(10, 20, 50, 60)}, dets[0])
	assert.Equal(t, iface.NewBox(5, 5, 15, 25), dets[1].Box)
	assert.Equal(t, srv.URL+"/predict", b.CheckConfig().RemoteURL)
}

func TestRemoteDetector_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := &RemoteDetector{}
	require.NoError(t, r.LoadModel(iface.EngineConfig{RemoteURL: srv.URL + "/predict"}))
	img := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer img.Close()
	_, err := r.Detect(img)
	assert.Error(t, err)

	r.Destroy()
	_, err = r.Detect(img)
	assert.Error(t, err)

	assert.ErrorIs(t, (&RemoteDetector{}).LoadModel(iface.EngineConfig{}), ErrModelLoad)
}
