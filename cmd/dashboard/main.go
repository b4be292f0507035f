package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantsentry/trade-sentinel/internal/store"
)

// 运维面板：只读暴露哨兵落盘的事件、净值、对账动作和违规记录。
// 与哨兵进程共用同一个SQLite文件（WAL模式下并发读安全）。
func main() {
	port := flag.Int("port", 8081, "面板端口")
	dbPath := flag.String("db", "sentinel.db", "SQLite数据库路径")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", *dbPath).Msg("打开数据库失败")
	}
	defer st.Close()

	api := NewAPIHandler(st)

	http.HandleFunc("/api/events", api.HandleEvents)
	http.HandleFunc("/api/equity", api.HandleEquity)
	http.HandleFunc("/api/actions", api.HandleActions)
	http.HandleFunc("/api/violations", api.HandleViolations)
	http.HandleFunc("/api/status", api.HandleStatus)

	addr := fmt.Sprintf(":%d", *port)
	log.Info().Str("addr", addr).Str("db", *dbPath).Msg("运维面板启动")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("面板服务器退出")
	}
}
