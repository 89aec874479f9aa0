package status

// ============================================================================
// 職責說明：
// 1. 將 daemon 狀態（客戶端、預留、頻寬、計數器）序列化為 JSON 檔案
// 2. 使用原子性寫入（temp file + rename），讀取者永遠看到完整的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 供 `rtsd status` 在不連線 daemon 的情況下查看狀態
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/rtsd/pkg/types"
)

// SchemaVersion 目前的狀態檔版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorrupted           = errors.New("status file is corrupted")
	ErrIncompatibleVersion = errors.New("status schema version is incompatible")
	ErrNotFound            = errors.New("status file not found")
)

// Manager 狀態檔管理器
type Manager struct {
	path string     // 狀態檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立狀態檔管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入狀態
//
// 流程：
//  1. 寫入臨時檔案（.tmp）
//  2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.StatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Timestamp == 0 {
		data.Timestamp = time.Now().UnixMilli()
	}
	if data.Clients == nil {
		data.Clients = []types.Client{}
	}
	if data.Reservations == nil {
		data.Reservations = []types.Reservation{}
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create status dir: %w", err)
	}
	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp status: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename status: %w", err)
	}
	return nil
}

// Load 載入狀態
//
// 行為：
//   - 檔案不存在時回傳 ErrNotFound（daemon 從未執行）
//   - 驗證 schema 版本
//   - 偵測損壞的檔案
func (m *Manager) Load() (types.StatusData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.StatusData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, fmt.Errorf("%w: %s", ErrNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read status: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Age 回傳狀態檔最後寫入至今的時間
func (m *Manager) Age(data types.StatusData) time.Duration {
	return time.Since(time.UnixMilli(data.Timestamp))
}

// Exists 檢查狀態檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得狀態檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
