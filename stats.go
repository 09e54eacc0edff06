package evhttp

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Stats carries one reactor's counters. Each worker of a group owns an
// independent set; totals are the sum over Workers.
type Stats struct {
	set *metrics.Set

	connectionsAccepted *metrics.Counter
	connectionsClosed   *metrics.Counter
	requests            *metrics.Counter
	protocolErrors      *metrics.Counter
	bytesWritten        *metrics.Counter
}

func newStats() *Stats {
	set := metrics.NewSet()
	return &Stats{
		set:                 set,
		connectionsAccepted: set.NewCounter("evhttp_connections_accepted_total"),
		connectionsClosed:   set.NewCounter("evhttp_connections_closed_total"),
		requests:            set.NewCounter("evhttp_requests_total"),
		protocolErrors:      set.NewCounter("evhttp_protocol_errors_total"),
		bytesWritten:        set.NewCounter("evhttp_bytes_written_total"),
	}
}

// ConnectionsAccepted returns the number of accepted connections.
func (st *Stats) ConnectionsAccepted() uint64 {
	return st.connectionsAccepted.Get()
}

// ConnectionsClosed returns the number of closed connections.
func (st *Stats) ConnectionsClosed() uint64 {
	return st.connectionsClosed.Get()
}

// Requests returns the number of dispatched requests.
func (st *Stats) Requests() uint64 {
	return st.requests.Get()
}

// ProtocolErrors returns the number of requests rejected with 400.
func (st *Stats) ProtocolErrors() uint64 {
	return st.protocolErrors.Get()
}

// BytesWritten returns the number of reply bytes handed to the kernel.
func (st *Stats) BytesWritten() uint64 {
	return st.bytesWritten.Get()
}

// WritePrometheus dumps the counters in Prometheus text format.
func (st *Stats) WritePrometheus(w io.Writer) {
	st.set.WritePrometheus(w)
}

// Stats returns this reactor's counters, or nil on a group sentinel;
// use Workers to reach per-worker stats there.
func (s *Server) Stats() *Stats {
	return s.stats
}
