// ============================================================================
// rtsd Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 daemon 與週期任務的運行指標，支持 Prometheus 監控
//
// 指標分類:
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - rtsd_requests_total{type,status}: 依類型與結果分類的請求數
//      - rtsd_connections_total{result}: 接受 / 拒絕的連線數
//      - rtsd_disconnects_total: 客戶端離線數
//      - rtsd_send_errors_total: 回覆寫入失敗數
//      - rtsd_task_activations_total{task}: 週期任務啟動次數
//      - rtsd_task_deadline_misses_total{task}: 截止時間錯過次數
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - rtsd_cycle_duration_seconds: 單次 carrier 循環耗時
//        * 上限約為 channel timeout (預設 150ms)
//      - rtsd_task_exec_seconds{task}: 每次啟動消耗的時間
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - rtsd_clients: 已連線客戶端
//      - rtsd_reservations: 已授予預留
//      - rtsd_bandwidth_capacity / rtsd_bandwidth_used: 頻寬容量與使用量
//
// Prometheus 查詢示例:
//
//   # 准入拒絕率
//   rate(rtsd_requests_total{type="create_rsv",status="NOT_GUARANTEED"}[5m])
//     / rate(rtsd_requests_total{type="create_rsv"}[5m])
//
//   # 頻寬使用率
//   rtsd_bandwidth_used / rtsd_bandwidth_capacity
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口: 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// daemon 計數器
	requests    *prometheus.CounterVec
	connections *prometheus.CounterVec
	disconnects prometheus.Counter
	sendErrors  prometheus.Counter

	// 效能指標
	cycleDuration prometheus.Histogram

	// 狀態指標
	clients      prometheus.Gauge
	reservations prometheus.Gauge
	capacity     prometheus.Gauge
	used         prometheus.Gauge

	// 週期任務
	activations *prometheus.CounterVec
	misses      *prometheus.CounterVec
	execTime    *prometheus.HistogramVec
}

// NewCollector 創建新的指標收集器並註冊到 reg
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsd_requests_total",
			Help: "Total number of client requests served, by type and status",
		}, []string{"type", "status"}),
		connections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsd_connections_total",
			Help: "Total number of connection attempts, by admission result",
		}, []string{"result"}),
		disconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "rtsd_disconnects_total",
			Help: "Total number of clients that left",
		}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "rtsd_send_errors_total",
			Help: "Total number of replies that could not be delivered",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtsd_cycle_duration_seconds",
			Help:    "Duration of one carrier service cycle in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5},
		}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtsd_clients",
			Help: "Current number of connected clients",
		}),
		reservations: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtsd_reservations",
			Help: "Current number of granted reservations",
		}),
		capacity: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtsd_bandwidth_capacity",
			Help: "Total reservable CPU bandwidth",
		}),
		used: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtsd_bandwidth_used",
			Help: "CPU bandwidth currently reserved",
		}),
		activations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsd_task_activations_total",
			Help: "Total number of periodic task activations",
		}, []string{"task"}),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtsd_task_deadline_misses_total",
			Help: "Total number of deadline misses observed",
		}, []string{"task"}),
		execTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtsd_task_exec_seconds",
			Help:    "Time consumed by one task activation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"task"}),
	}
}

// RecordRequest 記錄一個已回覆的請求
func (c *Collector) RecordRequest(reqType, status string) {
	c.requests.WithLabelValues(reqType, status).Inc()
}

// RecordConnection 記錄連線准入結果
func (c *Collector) RecordConnection(admitted bool) {
	result := "admitted"
	if !admitted {
		result = "rejected"
	}
	c.connections.WithLabelValues(result).Inc()
}

// RecordDisconnect 記錄客戶端離線
func (c *Collector) RecordDisconnect() {
	c.disconnects.Inc()
}

// RecordSendError 記錄回覆寫入失敗
func (c *Collector) RecordSendError() {
	c.sendErrors.Inc()
}

// ObserveCycle 記錄一次循環耗時
func (c *Collector) ObserveCycle(d time.Duration) {
	c.cycleDuration.Observe(d.Seconds())
}

// UpdateState 更新 daemon 狀態統計
func (c *Collector) UpdateState(clients, reservations int, capacity, used float64) {
	c.clients.Set(float64(clients))
	c.reservations.Set(float64(reservations))
	c.capacity.Set(capacity)
	c.used.Set(used)
}

// RecordActivation 記錄一次任務啟動與其消耗時間
func (c *Collector) RecordActivation(task string, exec time.Duration, missed bool) {
	c.activations.WithLabelValues(task).Inc()
	c.execTime.WithLabelValues(task).Observe(exec.Seconds())
	if missed {
		c.misses.WithLabelValues(task).Inc()
	}
}

// NewServer 建立暴露 /metrics 的 HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源，nil 時使用 prometheus.DefaultGatherer
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
