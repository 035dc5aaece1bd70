// Package metrics records the driver metrics with VictoriaMetrics/metrics and
// exposes them in the Prometheus text format.
//
// All series are prefixed with "dresp_":
//
//	dresp_commands_total{cmd,status}          completed commands (status ok|error|canceled)
//	dresp_command_duration_seconds{cmd}       dispatch to completion latency
//	dresp_redirects_total{kind}               followed MOVED / ASK redirections
//	dresp_reconnects_total{status}            reconnect attempts (status ok|error)
//	dresp_topology_refresh_total{status}      refreshes (status installed|unchanged|rejected|error)
//	dresp_failovers_total                     applied sentinel failover notifications
//	dresp_connections                         live connections of all clients
package metrics

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	vm "github.com/VictoriaMetrics/metrics"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

var liveConnections atomic.Int64

func init() {
	vm.NewGauge("dresp_connections", func() float64 {
		return float64(liveConnections.Load())
	})
}

// RecordCommand records a completed command
func RecordCommand(name string, d time.Duration, err error) {
	cmd := strings.ToLower(name)
	status := "ok"
	switch {
	case errors.Is(err, common.ErrCanceled):
		status = "canceled"
	case err != nil:
		status = "error"
	}
	vm.GetOrCreateCounter(fmt.Sprintf(`dresp_commands_total{cmd=%q,status=%q}`, cmd, status)).Inc()
	vm.GetOrCreateHistogram(fmt.Sprintf(`dresp_command_duration_seconds{cmd=%q}`, cmd)).Update(d.Seconds())
}

// RecordRedirect records a followed redirection ("moved" or "ask")
func RecordRedirect(kind string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`dresp_redirects_total{kind=%q}`, strings.ToLower(kind))).Inc()
}

// RecordReconnect records a reconnect attempt
func RecordReconnect(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	vm.GetOrCreateCounter(fmt.Sprintf(`dresp_reconnects_total{status=%q}`, status)).Inc()
}

// RecordRefresh records the outcome of a topology refresh
func RecordRefresh(status string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`dresp_topology_refresh_total{status=%q}`, status)).Inc()
}

// RecordFailover records an applied failover notification
func RecordFailover() {
	vm.GetOrCreateCounter(`dresp_failovers_total`).Inc()
}

// ConnectionsChanged adjusts the live connection gauge
func ConnectionsChanged(delta int) {
	liveConnections.Add(int64(delta))
}

// Counter returns the current value of a counter series (used by tests and the cli)
func Counter(series string) uint64 {
	return vm.GetOrCreateCounter(series).Get()
}

// WritePrometheus writes all driver metrics in the Prometheus text format
func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, false)
}
