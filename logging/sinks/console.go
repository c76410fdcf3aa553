package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"simsync/server/logging"
)

// ConsoleSink writes one human-readable line per event:
//
//	15:04:05.000 WARN  netplay    t=812 peer:3 netplay.desync_detected {"tick":812}
type ConsoleSink struct {
	mu  sync.Mutex
	w   io.Writer
	cfg logging.ConsoleConfig
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	if w == nil {
		w = io.Discard
	}
	return &ConsoleSink{w: w, cfg: cfg}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %-10s t=%d %s %s",
		event.Time.Format(time.TimeOnly+".000"),
		strings.ToUpper(event.Severity.String()),
		event.Category,
		event.Tick,
		event.Actor,
		event.Type,
	)
	if !s.cfg.HidePayload {
		if event.Payload != nil {
			data, err := json.Marshal(event.Payload)
			if err != nil {
				fmt.Fprintf(&b, " %+v", event.Payload)
			} else {
				b.Write([]byte{' '})
				b.Write(data)
			}
		}
		writeExtra(&b, event.Extra)
	}
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, b.String())
	return err
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func writeExtra(b *strings.Builder, extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, extra[k])
	}
}
