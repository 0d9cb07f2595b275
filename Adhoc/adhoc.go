package Adhoc

import (
	"ButtonCutter/logger"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id           string `json:"id"`
	Station      string `json:"station"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	TargetClass  string `json:"targetClass"`
	MappingReady bool   `json:"mappingReady"`
	TimeStamp    int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

// URL of the registration endpoint.
func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Station describes what this process tells the registry.
type Station struct {
	Name         string
	IP           string
	ControlPort  int
	TargetClass  string
	MappingReady bool
}

type Heartbeat struct {
	server RegServerConfig
	period time.Duration
	id     string
	client *resty.Client
	st     Station
}

func NewHeartbeat(server RegServerConfig, period time.Duration, st Station) *Heartbeat {
	if period <= 0 {
		period = TimeOutSeconds * time.Second
	}
	return &Heartbeat{
		server: server,
		period: period,
		id:     uuid.NewString(),
		client: resty.New().SetTimeout(TimeOutSeconds * time.Second), // 总超时
		st:     st,
	}
}

func (h *Heartbeat) ID() string { return h.id }

// Send posts one registration. Errors are returned, not logged.
func (h *Heartbeat) Send(ctx context.Context) (RegisterResponse, error) {
	var respBody RegisterResponse
	reqBody := RegisterRequest{
		Id:           h.id,
		Station:      h.st.Name,
		IP:           h.st.IP,
		Port:         h.st.ControlPort,
		TargetClass:  h.st.TargetClass,
		MappingReady: h.st.MappingReady,
		TimeStamp:    time.Now().Unix(),
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).     // resty 会 JSON 编码
		SetResult(&respBody). // 2xx 自动反序列化到 respBody
		Post(h.server.URL())
	if err != nil {
		return respBody, fmt.Errorf("request error: %w", err)
	}
	// 检查 HTTP 状态码
	if resp.IsError() {
		return respBody, fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	return respBody, nil
}

// Run registers immediately, then every period until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error(fmt.Sprintf("heartbeat panic recovered: %v", r))
			}
		}()
		if _, err := h.Send(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Warn("Registry heartbeat failed", zap.String("url", h.server.URL()), zap.Error(err))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("Heartbeat context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}

func GetOutboundIP() (string, error) {
	// 只为了拿到本地出口 IP，UDP 不会真正建立连接
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}
