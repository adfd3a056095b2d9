package eventlog

import (
	"sync"
	"time"

	"plc-modbus-go/internal/pkg/logger"
)

// Kind names a class of runtime event
type Kind string

const (
	KindSwitch   Kind = "switch"   // actuator moved between MAINS and SOLAR
	KindMode     Kind = "mode"     // device mode transition
	KindRequest  Kind = "request"  // request answered with an exception, silenced or panicked
	KindFieldBus Kind = "fieldbus" // field-bus read or write failure
	KindReset    Kind = "reset"    // explicit reset from a signal or command
)

// Event is one queued entry
type Event struct {
	Kind      Kind
	Detail    map[string]interface{}
	Timestamp time.Time
}

// Sink receives flushed batches. A non-nil error makes the batch eligible for retry.
type Sink interface {
	Name() string
	WriteEvents(events []Event) error
}

// Options tunes batching and retry
type Options struct {
	BatchSize  int
	FlushDelay time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = 2 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// Manager queues events and flushes them in batches to every sink
type Manager struct {
	sinks []Sink
	lc    logger.LoggingClient
	opts  Options

	queue []Event

	mu      sync.Mutex
	stopCh  chan struct{}
	flushCh chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

// NewManager creates an event log manager
func NewManager(opts Options, lc logger.LoggingClient, sinks ...Sink) *Manager {
	opts.setDefaults()
	return &Manager{
		sinks:   sinks,
		lc:      lc.WithComponent("eventlog"),
		opts:    opts,
		queue:   make([]Event, 0),
		stopCh:  make(chan struct{}),
		flushCh: make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
}

// AddSink attaches another sink. Must be called before Start.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Start launches the flush loop
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
	m.lc.Info("event log started", "sinks", len(m.sinks), "batch", m.opts.BatchSize)
}

// Stop flushes what is queued and waits for the loop to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	if started {
		<-m.doneCh
	} else {
		m.flush()
	}
	m.lc.Info("event log stopped")
}

// Record queues an event stamped with the current time
func (m *Manager) Record(kind Kind, detail map[string]interface{}) {
	m.add(Event{Kind: kind, Detail: detail, Timestamp: time.Now()})
}

func (m *Manager) add(e Event) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	shouldFlush := len(m.queue) >= m.opts.BatchSize
	m.mu.Unlock()

	if shouldFlush {
		select {
		case m.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of queued events
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.FlushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.flush()
			return
		case <-ticker.C:
			m.flush()
		case <-m.flushCh:
			m.flush()
		}
	}
}

func (m *Manager) flush() {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	entries := m.queue
	m.queue = make([]Event, 0)
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	for start := 0; start < len(entries); start += m.opts.BatchSize {
		end := start + m.opts.BatchSize
		if end > len(entries) {
			end = len(entries)
		}
		for _, s := range sinks {
			m.deliver(s, entries[start:end])
		}
	}
}

// deliver retries a batch with linear backoff. Once stopping, retries go out without delay.
func (m *Manager) deliver(s Sink, batch []Event) {
	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		err := s.WriteEvents(batch)
		if err == nil {
			return
		}
		m.lc.Warn("event batch not delivered", "sink", s.Name(), "attempt", attempt+1, "error", err)
		if attempt == m.opts.MaxRetries-1 {
			break
		}
		select {
		case <-m.stopCh:
		case <-time.After(m.opts.RetryDelay * time.Duration(attempt+1)):
		}
	}
	m.lc.Error("dropping event batch", "sink", s.Name(), "events", len(batch), "attempts", m.opts.MaxRetries)
}
