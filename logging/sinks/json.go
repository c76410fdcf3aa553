package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"simsync/server/logging"
)

// JSON emits newline-delimited records. With a positive flush interval the
// output is buffered and flushed by a background ticker until Close.
type JSON struct {
	mu      sync.Mutex
	writer  *bufio.Writer
	encoder *json.Encoder
	buffer  bool
	stop    chan struct{}
	flushed sync.WaitGroup
}

type jsonRecord struct {
	Time     string         `json:"time"`
	Tick     uint64         `json:"tick"`
	Severity string         `json:"severity"`
	Category string         `json:"category,omitempty"`
	Type     string         `json:"type"`
	Actor    string         `json:"actor,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

func NewJSON(w io.Writer, flushInterval time.Duration) *JSON {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	sink := &JSON{
		writer:  buf,
		encoder: json.NewEncoder(buf),
		buffer:  flushInterval > 0,
		stop:    make(chan struct{}),
	}
	if sink.buffer {
		sink.flushed.Add(1)
		go sink.flushEvery(flushInterval)
	}
	return sink
}

func (s *JSON) Write(event logging.Event) error {
	record := jsonRecord{
		Time:     event.Time.UTC().Format(time.RFC3339Nano),
		Tick:     event.Tick,
		Severity: event.Severity.String(),
		Category: event.Category,
		Type:     string(event.Type),
		Actor:    event.Actor.String(),
		Payload:  event.Payload,
		Extra:    event.Extra,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(record); err != nil {
		return err
	}
	if !s.buffer {
		return s.writer.Flush()
	}
	return nil
}

// Close stops the flush ticker and writes out anything buffered.
func (s *JSON) Close(context.Context) error {
	if s.buffer {
		close(s.stop)
		s.flushed.Wait()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Flush()
}

func (s *JSON) flushEvery(interval time.Duration) {
	defer s.flushed.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.writer.Flush()
			s.mu.Unlock()
		}
	}
}
