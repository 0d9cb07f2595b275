package engine

import (
	"ButtonCutter/config"
	iface "ButtonCutter/interface"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

var ErrModelLoad = errors.New("model load error")

func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// 支持 Windows CRLF，去掉尾部的 '\r'
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// resolveNames 从文件路径或字符串切片读取类别名
func resolveNames(names iface.NamesConf) ([]string, error) {
	if names.IsFile {
		path, ok := names.Data.(string)
		if !ok {
			return nil, fmt.Errorf("names file must be a path, got %T", names.Data)
		}
		return ReadLinesReadFile(path)
	}
	if names.Data == nil {
		return nil, nil
	}
	if s, ok := names.Data.([]string); ok {
		return append([]string(nil), s...), nil
	}
	rv := reflect.ValueOf(names.Data)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("names must be a slice or a file path, got %T", names.Data)
	}
	out := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		s, ok := rv.Index(i).Interface().(string)
		if !ok {
			return nil, fmt.Errorf("names[%d] is %T, not string", i, rv.Index(i).Interface())
		}
		out[i] = s
	}
	return out, nil
}

func className(names []string, idx int) string {
	if idx >= 0 && idx < len(names) {
		return names[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}

// EngineConfigFrom 将 config.yaml 的 model 段转换为引擎配置
func EngineConfigFrom(m config.Model) iface.EngineConfig {
	names := iface.NamesConf{IsFile: false, Data: m.Names}
	if m.NamesFile != "" {
		names = iface.NamesConf{IsFile: true, Data: m.NamesFile}
	}
	return iface.EngineConfig{
		Backend:   m.Backend,
		UseGPU:    m.UseGPU,
		ModelPath: m.Path,
		Names:     names,
		Conf:      m.Conf,
		Iou:       m.Iou,
		InputSize: m.InputSize,
		RemoteURL: m.RemoteURL,
		Timeout:   time.Duration(m.TimeoutMs) * time.Millisecond,
	}
}

// New 按 Backend 创建并加载检测器
func New(cfg iface.EngineConfig) (iface.Backend, error) {
	var b iface.Backend
	switch cfg.Backend {
	case config.BackendOnnx, "":
		d := &Detector{}
		d.New()
		b = d
	case config.BackendRemote:
		b = &RemoteDetector{}
	default:
		return nil, fmt.Errorf("%w: unsupported backend: %s", ErrModelLoad, cfg.Backend)
	}
	if err := b.LoadModel(cfg); err != nil {
		return nil, err
	}
	return b, nil
}
