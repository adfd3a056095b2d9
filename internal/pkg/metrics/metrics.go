// Package metrics exposes runtime counters and gauges for scraping.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plc-modbus-go/internal/pkg/logger"
)

const namespace = "plc"

// Metrics owns a private registry so several instances can coexist in tests
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	exceptions    *prometheus.CounterVec
	silenced      prometheus.Counter
	panics        prometheus.Counter
	fieldBusError *prometheus.CounterVec
	switches      prometheus.Counter

	mode    *prometheus.GaugeVec
	solar   prometheus.Gauge
	reading prometheus.Gauge

	modes []string
}

// New registers every collector on a fresh registry. modes lists the
// device mode names so exactly one of them reads 1 at a time.
func New(modes ...string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Dispatched Modbus requests by function code.",
		}, []string{"function"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exceptions_total",
			Help:      "Exception responses by function and exception code.",
		}, []string{"function", "code"}),
		silenced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silenced_total",
			Help:      "Requests handled without a response.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Handler panics recovered by the dispatcher.",
		}),
		fieldBusError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fieldbus_errors_total",
			Help:      "Failed field-bus operations.",
		}, []string{"op"}),
		switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switch_changes_total",
			Help:      "Transfer switch actuations.",
		}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_mode",
			Help:      "1 for the current device mode.",
		}, []string{"mode"}),
		solar: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "switch_solar",
			Help:      "1 while the load is on solar.",
		}),
		reading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power_reading",
			Help:      "Last meter reading in watts.",
		}),
		modes: modes,
	}
	m.registry.MustRegister(m.requests, m.exceptions, m.silenced, m.panics,
		m.fieldBusError, m.switches, m.mode, m.solar, m.reading)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func fcLabel(fc uint8) string {
	return fmt.Sprintf("0x%02X", fc)
}

// ObserveRequest counts one dispatched request. exception is 0 for a normal response.
func (m *Metrics) ObserveRequest(fc uint8, exception uint8, silenced, panicked bool) {
	m.requests.WithLabelValues(fcLabel(fc)).Inc()
	if exception != 0 {
		m.exceptions.WithLabelValues(fcLabel(fc), strconv.Itoa(int(exception))).Inc()
	}
	if silenced {
		m.silenced.Inc()
	}
	if panicked {
		m.panics.Inc()
	}
}

// FieldBusError counts a failed field-bus operation ("read" or "write")
func (m *Metrics) FieldBusError(op string) {
	m.fieldBusError.WithLabelValues(op).Inc()
}

// SetMode marks mode as current
func (m *Metrics) SetMode(mode string) {
	for _, name := range m.modes {
		m.mode.WithLabelValues(name).Set(0)
	}
	m.mode.WithLabelValues(mode).Set(1)
}

// SetSwitch records the actuator position
func (m *Metrics) SetSwitch(solar bool, changed bool) {
	if solar {
		m.solar.Set(1)
	} else {
		m.solar.Set(0)
	}
	if changed {
		m.switches.Inc()
	}
}

// SetReading records the last meter reading
func (m *Metrics) SetReading(v uint16) {
	m.reading.Set(float64(v))
}

// Handler serves the registry in the text exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics until its context is cancelled
type Server struct {
	srv *http.Server
	ln  net.Listener
	lc  logger.LoggingClient
}

// Listen binds addr and returns a server ready to Serve
func (m *Metrics) Listen(addr string, lc logger.LoggingClient) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		lc:  lc,
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks until ctx is done
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	s.lc.Info("metrics endpoint listening", "addr", s.ln.Addr().String())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.lc.Error("metrics server failed", "error", err)
	}
}
