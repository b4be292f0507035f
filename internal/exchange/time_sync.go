package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// TimeSync 管理与Bitget服务器的时间同步。签名时间戳偏差过大会被网关拒绝。
type TimeSync struct {
	mu           sync.RWMutex
	offset       int64 // 本地时间与服务器时间的差值（毫秒）
	lastSync     time.Time
	syncInterval time.Duration
	baseURL      string
	httpClient   *http.Client
}

// NewTimeSync 创建时间同步器
func NewTimeSync(baseURL string) *TimeSync {
	return &TimeSync{
		syncInterval: 30 * time.Minute,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Sync 从服务器同步时间
func (ts *TimeSync) Sync() error {
	resp, err := ts.httpClient.Get(ts.baseURL + "/api/v2/public/time")
	if err != nil {
		return fmt.Errorf("获取服务器时间失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("服务器返回错误 %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Data struct {
			ServerTime string `json:"serverTime"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("解析服务器时间失败: %w", err)
	}
	serverMilli, err := strconv.ParseInt(result.Data.ServerTime, 10, 64)
	if err != nil {
		return fmt.Errorf("解析服务器时间失败: %w", err)
	}

	offset := serverMilli - time.Now().UnixMilli()

	ts.mu.Lock()
	ts.offset = offset
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	return nil
}

// Offset 返回当前时间偏移量（毫秒）。从未同步或超过同步间隔时触发后台同步。
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	offset := ts.offset
	lastSync := ts.lastSync
	ts.mu.RUnlock()

	if lastSync.IsZero() || time.Since(lastSync) > ts.syncInterval {
		go ts.Sync()
	}

	return offset
}
