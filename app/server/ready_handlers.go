package server

import (
	"net/http"
	"time"

	"github.com/go-pkgz/rest"
)

// readyHandlers implement the health probe controller
type readyHandlers struct {
	endpointsHandler
	version   string
	startTime time.Time
}

type readyResponse struct {
	Ready         bool   `json:"ready"`
	Service       string `json:"service"`
	StartTimeUnix int64  `json:"start_time_unix"`
	UptimeSec     int64  `json:"uptime_sec"`
	UptimeHuman   string `json:"uptime_human"`
}

func (rdh *readyHandlers) readyCtrl(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(rdh.startTime)
	rest.RenderJSON(w, readyResponse{
		Ready:         true,
		Service:       "hub-proxy/" + rdh.version,
		StartTimeUnix: rdh.startTime.Unix(),
		UptimeSec:     int64(uptime.Seconds()),
		UptimeHuman:   uptime.Truncate(time.Second).String(),
	})
}
