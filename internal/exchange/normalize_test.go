package gateway

import "testing"

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"new":              StatusAcked,
		"NEW":              StatusAcked,
		"INIT":             StatusAcked,
		"submitting":       StatusAcked,
		"live":             StatusAcked,
		"not_trigger":      StatusAcked,
		"partially_filled": StatusPartial,
		"PARTIAL_FILL":     StatusPartial,
		"filled":           StatusFilled,
		"FULLY_FILLED":     StatusFilled,
		"done":             StatusFilled,
		"canceled":         StatusCanceled,
		"CANCELLED":        StatusCanceled,
		"rejected":         StatusRejected,
		"reject":           StatusRejected,
		"failed":           StatusFailed,
		"FAIL":             StatusFailed,
		// 未识别的状态按ACKED兜底
		"some_new_state": StatusAcked,
		"":               StatusAcked,
	}
	for raw, want := range cases {
		if got := NormalizeStatus(raw); got != want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestIsTerminalStatus(t *testing.T) {
	for _, s := range []string{StatusFilled, StatusCanceled, StatusRejected, StatusFailed} {
		if !IsTerminalStatus(s) {
			t.Errorf("%s 应为终态", s)
		}
	}
	for _, s := range []string{StatusAcked, StatusPartial} {
		if IsTerminalStatus(s) {
			t.Errorf("%s 不应为终态", s)
		}
	}
}

func TestPickFloat(t *testing.T) {
	row := map[string]interface{}{
		"markPr":   "1950.5",
		"lastPr":   2000.0,
		"leverage": "10",
		"empty":    "",
		"bad":      "abc",
	}

	// 候选键依次回退
	if got := pickFloat(row, "markPrice", "markPr"); got != 1950.5 {
		t.Errorf("字符串数值应被解析，得到 %.2f", got)
	}
	if got := pickFloat(row, "lastPr"); got != 2000.0 {
		t.Errorf("float64应直接返回，得到 %.2f", got)
	}
	if got := pickFloat(row, "empty", "lastPr"); got != 2000.0 {
		t.Errorf("空字符串应跳过继续尝试，得到 %.2f", got)
	}
	if got := pickFloat(row, "missing", "bad"); got != 0 {
		t.Errorf("无可用键应返回0，得到 %.2f", got)
	}
	if got := pickInt(row, "leverage"); got != 10 {
		t.Errorf("pickInt应解析字符串整数，得到 %d", got)
	}
}

func TestPickString(t *testing.T) {
	row := map[string]interface{}{
		"symbol": "BTCUSDT",
		"code":   float64(40034),
		"empty":  "",
	}
	if got := pickString(row, "instId", "symbol"); got != "BTCUSDT" {
		t.Errorf("应回退到symbol键，得到 %q", got)
	}
	if got := pickString(row, "code"); got != "40034" {
		t.Errorf("数值应转为字符串，得到 %q", got)
	}
	if got := pickString(row, "empty", "missing"); got != "" {
		t.Errorf("应返回空串，得到 %q", got)
	}
}
