// Package audit records who did what to which report, off the request
// path. Events are buffered through a channel and collected by a single
// worker goroutine.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventReportReceived  EventType = "report_received"
	EventReportAssembled EventType = "report_assembled"
	EventReportMatched   EventType = "report_matched"
	EventReportCommitted EventType = "report_committed"
	EventReportRejected  EventType = "report_rejected"
	EventPatientCreated  EventType = "patient_created"
	EventLogin           EventType = "login"
)

// Event is one audit trail entry.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Actor     string    `json:"actor,omitempty"`
	ReportID  string    `json:"reportId,omitempty"`
	PatientID string    `json:"patientId,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Recorded  time.Time `json:"recorded"`
}

// Config holds audit logger configuration.
type Config struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
}

// Logger collects audit events.
type Logger struct {
	config Config

	mu      sync.RWMutex
	events  map[string]*Event
	running bool
	stopCh  chan struct{}
	eventCh chan *Event
}

// NewLogger creates an audit logger.
func NewLogger(cfg Config) *Logger {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1000
	}
	return &Logger{
		config:  cfg,
		events:  make(map[string]*Event),
		stopCh:  make(chan struct{}),
		eventCh: make(chan *Event, size),
	}
}

// Start starts the collector goroutine.
func (l *Logger) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	go l.processEvents(ctx)
	return nil
}

// Stop stops the collector.
func (l *Logger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		close(l.stopCh)
		l.running = false
	}
}

func (l *Logger) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case event := <-l.eventCh:
			l.mu.Lock()
			l.events[event.ID] = event
			l.mu.Unlock()
		}
	}
}

// Record queues an audit event. Returns the stored event, or nil when
// auditing is disabled or the buffer is full.
func (l *Logger) Record(event Event) *Event {
	if !l.config.Enabled {
		return nil
	}
	event.ID = uuid.New().String()
	event.Recorded = time.Now().UTC()

	select {
	case l.eventCh <- &event:
		return &event
	default:
		// Auditing must never block ingestion.
		return nil
	}
}

// Events returns all collected events, oldest first.
func (l *Logger) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Recorded.Equal(out[j].Recorded) {
			return out[i].ID < out[j].ID
		}
		return out[i].Recorded.Before(out[j].Recorded)
	})
	return out
}
