package runner

import (
	"context"
	"time"

	"github.com/ChuLiYu/rtsd/internal/clock"
	"github.com/ChuLiYu/rtsd/internal/task"
)

// Body 代表一次啟動要執行的計算
type Body func(ctx context.Context, activation uint64) error

// Spec 描述一個週期任務
type Spec struct {
	Name        string        // 任務名稱（日誌與指標標籤）
	Task        *task.Task    // 時間狀態，由 Runner 獨佔
	Body        Body          // 每次啟動執行的計算
	Activations uint64        // 啟動次數，0 表示直到停止
	Meter       clock.Clock   // 計量消耗時間的時鐘，nil 時使用任務時鐘
	OnStart     func(tid int) // 在任務的 OS 執行緒上呼叫，可用於綁定預留
}

// Result 代表一次啟動的結果
type Result struct {
	Task       string        // 任務名稱
	Activation uint64        // 第幾次啟動（從 1 開始）
	Exec       time.Duration // 本次消耗時間
	Missed     bool          // 是否錯過截止時間
	Misses     uint32        // 累計錯過次數
	Error      error         // Body 回傳的錯誤（如果有）
}
