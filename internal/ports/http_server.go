package ports

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/bujia-iot/iot-zmqtt/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-zmqtt/pkg/gateway"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

// StatusSource HTTP接口读取的网关状态
type StatusSource interface {
	Status() gateway.Status
	Registry() *registry.Registry
}

// APIResponse 统一响应格式
type APIResponse struct {
	Code    int         `json:"code"`    // 0表示成功
	Message string      `json:"message"` // 响应消息
	Data    interface{} `json:"data,omitempty"`
}

// DeviceListResponse 设备列表
type DeviceListResponse struct {
	Devices []registry.DeviceRecord `json:"devices"`
	Count   int                     `json:"count"`
}

// NewRouter 创建Gin引擎并注册路由
func NewRouter(src StatusSource) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	registerHTTPHandlers(r, src)
	return r
}

// registerHTTPHandlers 注册HTTP处理器
func registerHTTPHandlers(r *gin.Engine, src StatusSource) {
	r.GET("/health", func(c *gin.Context) {
		st := src.Status()
		code := http.StatusOK
		msg := "ok"
		if !st.Running || !st.SerialOpen {
			code = http.StatusServiceUnavailable
			msg = "degraded"
		}
		c.JSON(code, APIResponse{
			Code:    0,
			Message: msg,
			Data: gin.H{
				"running":      st.Running,
				"serialOpen":   st.SerialOpen,
				"busConnected": st.BusConnected,
			},
		})
	})

	api := r.Group("/api/v1")
	{
		api.GET("/gateway/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, APIResponse{Code: 0, Message: "success", Data: src.Status()})
		})
		api.GET("/devices", func(c *gin.Context) {
			devices := src.Registry().Snapshot()
			c.JSON(http.StatusOK, APIResponse{
				Code:    0,
				Message: "success",
				Data:    DeviceListResponse{Devices: devices, Count: len(devices)},
			})
		})
		api.GET("/devices/:nid", func(c *gin.Context) {
			nid := c.Param("nid")
			for _, rec := range src.Registry().Snapshot() {
				if rec.NodeID == nid {
					c.JSON(http.StatusOK, APIResponse{Code: 0, Message: "success", Data: rec})
					return
				}
			}
			c.JSON(http.StatusNotFound, APIResponse{Code: 404, Message: "设备不存在"})
		})
	}
}

// StartHTTPServer 启动HTTP API服务器, ctx 结束时优雅关闭
func StartHTTPServer(ctx context.Context, addr string, src StatusSource) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(src),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithField("error", err.Error()).Warn("HTTP API服务器关闭失败")
		}
	}()

	logger.WithField("address", addr).Info("HTTP API服务器启动")
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
