// ============================================================================
// rtsd Daemon - 預留服務核心協調器
// ============================================================================
//
// Package: internal/daemon
// 文件: daemon.go
// 功能: 協調 carrier、預留管理器、決策日誌、狀態檔與監控，服務客戶端請求
//
// 架構設計:
//   - Carrier: 客戶端連線槽位與請求/回覆交換（單一 goroutine 使用）
//   - Reservation Manager: 准入控制與預留擁有權
//   - Journal: 每個決策寫入審計日誌
//   - Status: 定期把 daemon 狀態原子性寫入 JSON
//   - Metrics / Health: Prometheus 指標與 gRPC 健康檢查
//
// 控制循環 (單一 Goroutine):
//   GetConn → Update → 收集已更新槽位 → 依 (相對截止時間升序, 優先級降序)
//   排入 list.List → Handle → Send → 指標 / 狀態檔
//
// 啟動流程:
//   1. 重放決策日誌（僅統計上一次執行的事件，預留不會跨重啟保留）
//   2. 初始化 carrier（監聽 socket）
//   3. 啟動健康檢查服務（如果設定了位址）
//   4. 啟動控制循環
//
// 並發安全:
//   - carrier 只在控制循環中使用；Stop 等循環退出後才關閉它
//   - mu 保護計數器與統計快照，Stats() 可從任意 goroutine 呼叫
//   - stopCh + loopWg 實現優雅關閉
//
// ============================================================================

package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/rtsd/internal/channel"
	"github.com/ChuLiYu/rtsd/internal/journal"
	"github.com/ChuLiYu/rtsd/internal/metrics"
	"github.com/ChuLiYu/rtsd/internal/reservation"
	"github.com/ChuLiYu/rtsd/internal/status"
	"github.com/ChuLiYu/rtsd/pkg/types"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyStarted 表示 daemon 已啟動
	ErrAlreadyStarted = errors.New("daemon already started")
	// ErrStopped 表示 daemon 已停止，不能重新啟動
	ErrStopped = errors.New("daemon stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Daemon 配置
type Config struct {
	Path           string        // carrier 監聽位址
	MaxClients     int           // 槽位數量
	Timeout        time.Duration // 單次 Update 上限與寫入期限
	Capacity       float64       // 可預留頻寬
	JournalPath    string        // 決策日誌路徑，空字串表示不記錄
	JournalSync    bool          // 每個事件都同步寫入
	StatusPath     string        // 狀態檔路徑，空字串表示不輸出
	StatusInterval time.Duration // 狀態檔寫入間隔
	HealthAddr     string        // gRPC 健康檢查位址，空字串表示不啟動

	Metrics *metrics.Collector // 指標收集器，nil 表示不收集
}

// Stats 是 daemon 當前統計
type Stats struct {
	Counters     types.Counters
	Clients      int
	Reservations int
	Capacity     float64
	Used         float64
	Uptime       time.Duration
}

// Daemon 核心協調器
type Daemon struct {
	config  Config
	carrier *channel.Carrier
	mgr     *reservation.Manager
	journal *journal.Journal
	status  *status.Manager
	metrics *metrics.Collector

	grpcServer *grpc.Server
	health     *health.Server
	healthLis  net.Listener

	mu        sync.Mutex     // 保護以下欄位
	counters  types.Counters // 累計計數器
	clients   int            // 已連線客戶端數，由 carrier 回呼維護
	started   bool
	stopped   bool
	startTime time.Time

	stopCh     chan struct{}
	loopWg     sync.WaitGroup
	lastStatus time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Daemon 實例
//
// 參數：
//   - config: Daemon 配置；零值欄位使用預設
//
// 返回值：
//   - *Daemon: Daemon 實例
func New(config Config) *Daemon {
	if config.Path == "" {
		config.Path = channel.DefaultPath
	}
	if config.Capacity <= 0 {
		config.Capacity = reservation.DefaultCapacity
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = time.Second
	}

	d := &Daemon{
		config:  config,
		mgr:     reservation.NewManager(config.Capacity),
		metrics: config.Metrics,
		stopCh:  make(chan struct{}),
	}
	d.carrier = channel.NewCarrier(channel.Options{
		Path:      config.Path,
		MaxSize:   config.MaxClients,
		Timeout:   config.Timeout,
		OnAdmit:   d.onAdmit,
		OnRelease: d.onRelease,
		OnReject:  d.onReject,
	})
	if config.StatusPath != "" {
		d.status = status.NewManager(config.StatusPath)
	}
	return d
}

// Start 啟動 Daemon
//
// 流程：
//  1. 開啟並重放決策日誌
//  2. 初始化 carrier
//  3. 啟動健康檢查服務
//  4. 啟動控制循環
//
// 返回值：
//   - error: 啟動失敗的錯誤（已開啟的資源會被關閉）
func (d *Daemon) Start() (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return ErrAlreadyStarted
	}
	d.startTime = time.Now()

	defer func() {
		if err != nil {
			d.closeResources()
		}
	}()

	// 1. 決策日誌
	if d.config.JournalPath != "" {
		j, err := journal.Open(journal.Options{
			Path:         d.config.JournalPath,
			SyncOnAppend: d.config.JournalSync,
		})
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		d.journal = j

		count := 0
		if err := j.Replay(func(journal.Event) error { count++; return nil }); err != nil {
			log.Warn("Journal replay stopped early", "error", err, "events", count)
		}
		log.Info("Journal opened", "path", j.Path(), "events", count, "last_seq", j.LastSeq())
	}

	// 2. Carrier
	if err := d.carrier.Init(); err != nil {
		return fmt.Errorf("failed to init carrier: %w", err)
	}

	// 3. 健康檢查
	if d.config.HealthAddr != "" {
		if err := d.startHealth(d.config.HealthAddr); err != nil {
			return fmt.Errorf("failed to start health service: %w", err)
		}
	}

	// 4. 控制循環
	d.started = true
	d.loopWg.Add(1)
	go d.controlLoop()

	log.Info("Daemon started",
		"path", d.carrier.Addr(),
		"max_clients", d.carrier.Cap(),
		"capacity", d.mgr.Capacity())
	return nil
}

// Stop 優雅關閉 Daemon
//
// 關閉順序：
//  1. close(stopCh) → 控制循環在當前週期結束後退出
//  2. loopWg.Wait() → 之後沒有 goroutine 使用 carrier
//  3. 健康檢查設為 NOT_SERVING 並關閉
//  4. carrier.Close() → 釋放所有客戶端與其預留（寫入日誌）
//  5. 最後一次狀態檔、關閉日誌
//
// 返回值：
//   - error: 所有關閉錯誤的彙總
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.stopped = true
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	log.Info("Stopping daemon...")

	close(d.stopCh)
	d.loopWg.Wait()

	var result *multierror.Error
	d.stopHealth()

	if err := d.carrier.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close carrier: %w", err))
	}
	if err := d.dumpStatus(); err != nil {
		result = multierror.Append(result, fmt.Errorf("final status: %w", err))
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close journal: %w", err))
		}
	}

	log.Info("Daemon stopped", "uptime", time.Since(d.startTime))
	return result.ErrorOrNil()
}

// closeResources 釋放 Start 中途失敗時已開啟的資源
func (d *Daemon) closeResources() {
	d.stopHealth()
	d.carrier.Close()
	if d.journal != nil {
		d.journal.Close()
		d.journal = nil
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// Stats 取得 daemon 統計
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		Counters: d.counters,
		Clients:  d.clients,
	}
	if d.started {
		s.Uptime = time.Since(d.startTime)
	}
	d.mu.Unlock()

	s.Reservations = d.mgr.Stats()["reservations"]
	s.Capacity = d.mgr.Capacity()
	s.Used = d.mgr.Used()
	return s
}

// Reservations 返回目前所有預留（依 ID 排序）
func (d *Daemon) Reservations() []types.Reservation {
	return d.mgr.Snapshot()
}

// Addr 返回 carrier 監聽位址
func (d *Daemon) Addr() string {
	return d.carrier.Addr()
}

// HealthAddr 返回健康檢查服務的實際位址，未啟動時為空字串
func (d *Daemon) HealthAddr() string {
	if d.healthLis == nil {
		return ""
	}
	return d.healthLis.Addr().String()
}

// dumpStatus 寫入狀態檔；只在控制循環或循環結束後呼叫
func (d *Daemon) dumpStatus() error {
	if d.status == nil {
		return nil
	}
	d.mu.Lock()
	counters := d.counters
	d.mu.Unlock()

	data := types.StatusData{
		PID:          os.Getpid(),
		Path:         d.carrier.Addr(),
		Capacity:     d.mgr.Capacity(),
		Used:         d.mgr.Used(),
		MaxClients:   d.carrier.Cap(),
		Clients:      d.carrier.Clients(),
		Reservations: d.mgr.Snapshot(),
		Counters:     counters,
	}
	if err := d.status.Write(data); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	d.lastStatus = time.Now()
	return nil
}
