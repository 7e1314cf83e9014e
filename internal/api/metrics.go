package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64
	inserts      atomic.Int64
	updates      atomic.Int64
	deletes      atomic.Int64
	selects      atomic.Int64
	sockets      atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	Inserts       int64   `json:"inserts"`
	Updates       int64   `json:"updates"`
	Deletes       int64   `json:"deletes"`
	Selects       int64   `json:"selects"`
	OpenSockets   int64   `json:"open_sockets"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordRequest()     { m.requests.Add(1) }
func (m *Metrics) RecordError()       { m.serverErrors.Add(1) }
func (m *Metrics) RecordClientError() { m.clientErrors.Add(1) }

// RecordTableOp counts a successful table operation by HTTP method.
func (m *Metrics) RecordTableOp(method string) {
	switch method {
	case "POST":
		m.inserts.Add(1)
	case "PATCH":
		m.updates.Add(1)
	case "DELETE":
		m.deletes.Add(1)
	case "GET":
		m.selects.Add(1)
	}
}

// SocketOpened and SocketClosed track live connectivity sockets.
func (m *Metrics) SocketOpened() { m.sockets.Add(1) }
func (m *Metrics) SocketClosed() { m.sockets.Add(-1) }

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		Inserts:       m.inserts.Load(),
		Updates:       m.updates.Load(),
		Deletes:       m.deletes.Load(),
		Selects:       m.selects.Load(),
		OpenSockets:   m.sockets.Load(),
	}
}
