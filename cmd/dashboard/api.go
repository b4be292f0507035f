package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/store"
)

// APIHandler 只读JSON接口，数据全部来自哨兵的SQLite库
type APIHandler struct {
	st *store.Store
}

func NewAPIHandler(st *store.Store) *APIHandler {
	return &APIHandler{st: st}
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, data interface{}, err error) {
	if err != nil {
		log.Error().Err(err).Msg("查询失败")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("序列化响应失败")
	}
}

// HandleEvents 最近事件（告警、熔断、模式切换）
func (h *APIHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	data, err := h.st.RecentEvents(limitParam(r))
	writeJSON(w, data, err)
}

// HandleEquity 净值曲线采样
func (h *APIHandler) HandleEquity(w http.ResponseWriter, r *http.Request) {
	data, err := h.st.RecentEquity(limitParam(r))
	writeJSON(w, data, err)
}

// HandleActions 对账器动作记录
func (h *APIHandler) HandleActions(w http.ResponseWriter, r *http.Request) {
	data, err := h.st.RecentReconcilerActions(limitParam(r))
	writeJSON(w, data, err)
}

// HandleViolations 不变量违规记录
func (h *APIHandler) HandleViolations(w http.ResponseWriter, r *http.Request) {
	data, err := h.st.RecentViolations(limitParam(r))
	writeJSON(w, data, err)
}

// HandleStatus 当前紧急开关标记
func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	flag, err := h.st.GetSystemFlag("kill_switch")
	writeJSON(w, map[string]string{"kill_switch": flag}, err)
}
