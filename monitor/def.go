package monitor

import (
	"ButtonCutter/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var PID process.Process

var (
	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Total number of frames read from the camera",
	})
	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Detections reported by the model, by class",
	}, []string{"class"})
	SequencesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequences_total",
		Help: "Actuator sequences by result (done, failed, aborted)",
	}, []string{"result"})
	MappingErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mapping_errors_total",
		Help: "Centroids that could not be mapped to actuator steps",
	})
	RecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "records_written_total",
		Help: "Detection rows written to the session CSV",
	})
)

// NewRegistry registers every collector of this package.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(memUsage, cpuUsage, FramesTotal, DetectionsTotal, SequencesTotal, MappingErrorsTotal, RecordsTotal)
	return registry
}

func prom(port int, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
	return srv
}

func CheckProcessInfo() {
	if MemInfo, err := PID.MemoryInfo(); err == nil {
		memUsage.Set(float64(MemInfo.RSS / 1024 / 1024))
	}
	if CPUPercent, err := PID.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(CPUPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon serves /metrics on port and samples the process every 500ms
// until ctx is done.
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	srv := prom(port, NewRegistry())
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
