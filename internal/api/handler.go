package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbus-runtime/internal/controller"
	"github.com/oriys/nimbus-runtime/internal/domain"
)

// StatusSource 提供控制器状态快照，*controller.Controller 满足该接口。
type StatusSource interface {
	Status() controller.Status
}

// Handler 管理端处理器
type Handler struct {
	source StatusSource
	logger *logrus.Logger
}

// NewHandler 创建管理端处理器
func NewHandler(source StatusSource, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{source: source, logger: logger}
}

// StatusResponse 是 GET /status 的响应体
type StatusResponse struct {
	State         string `json:"state"`
	DeploymentID  string `json:"deployment_id,omitempty"`
	Addr          string `json:"addr,omitempty"`
	LogsAvailable bool   `json:"logs_available"`
}

// Health 基本健康检查，进程能响应即为健康。
// HTTP端点: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 就绪探针。
// HTTP端点: GET /health/ready
//
// 返回值：
//   - 200: 部署运行中，前门可以接收流量
//   - 503: 尚未启动或已停止
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	st := h.source.Status()
	if st.State != domain.StateRunning {
		writeError(w, r, http.StatusServiceUnavailable, "deployment is "+st.State.String())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live 存活探针。
// HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Status 返回控制器状态。
// HTTP端点: GET /status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.source.Status()
	writeJSON(w, http.StatusOK, StatusResponse{
		State:         st.State.String(),
		DeploymentID:  hex.EncodeToString(st.DeploymentID),
		Addr:          st.Addr,
		LogsAvailable: st.LogsAvailable,
	})
}

// ErrorResponse 是统一的错误响应结构体。
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON 将数据以JSON格式写入HTTP响应。
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 写入错误响应，request_id 取自 middleware.RequestID。
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}
