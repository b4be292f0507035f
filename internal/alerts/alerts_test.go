package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantsentry/trade-sentinel/internal/store"
)

func TestNotifyReturnsTraceIDAndPersists(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	defer st.Close()

	n := NewNotifier(st, LevelWarn, "")
	id1 := n.Warn("MARGIN_BREAKER", "", "margin used 0.85 > 0.80", nil)
	id2 := n.Warn("MARGIN_BREAKER", "", "still high", nil)
	if id1 == "" || id1 == id2 {
		t.Error("每条告警应有独立trace id")
	}

	cnt, _ := st.CountEvents("MARGIN_BREAKER")
	if cnt != 2 {
		t.Errorf("告警应落盘，期望2条，得到 %d", cnt)
	}
}

func TestWebhookLevelFiltering(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["trace_id"] == "" || payload["event"] == "" {
			t.Error("webhook载荷应携带trace_id和event")
		}
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	n := NewNotifier(nil, LevelWarn, srv.URL)

	// INFO低于最低级别，不转发
	n.Info("POSITION_CLEARED", "BTCUSDT", "position closed", nil)
	n.Critical("KILL_SWITCH", "", "panic close requested", nil)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&hits) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// 等一拍确认INFO没有被转发
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("只有CRITICAL应转发webhook，得到 %d 次", got)
	}
}

func TestLevelRank(t *testing.T) {
	if levelRank(LevelCritical) <= levelRank(LevelWarn) {
		t.Error("CRITICAL应高于WARN")
	}
	if levelRank(LevelWarn) <= levelRank(LevelInfo) {
		t.Error("WARN应高于INFO")
	}
}
