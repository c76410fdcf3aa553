package net

import (
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"strconv"
	"time"

	"simsync/server/internal/netplay"
	"simsync/server/internal/store"
	"simsync/server/internal/telemetry"
)

const defaultReportLimit = 50

// Host is the view of the authoritative peer served over HTTP.
type Host interface {
	Peers() []netplay.PeerInfo
	Tick() uint64
	KeyframeWindow() (size int, oldest, newest uint64)
}

// ReportReader lists persisted desync reports.
type ReportReader interface {
	GetReport(ctx context.Context, id string) (store.Report, error)
	ListReports(ctx context.Context, limit int) ([]store.Report, error)
}

type HTTPHandlerConfig struct {
	Logger telemetry.Logger
	// Metrics returns the counter snapshot shown on /diagnostics.
	Metrics  func() map[string]uint64
	TickRate int
	Reports  ReportReader
	// Sessions serves /ws when set.
	Sessions nethttp.Handler
	Now      func() time.Time
}

type keyframeWindow struct {
	Size   int    `json:"size"`
	Oldest uint64 `json:"oldestTick"`
	Newest uint64 `json:"newestTick"`
}

type reportSummary struct {
	ID        string    `json:"id"`
	Peer      uint32    `json:"peer"`
	Session   string    `json:"session"`
	Tick      uint64    `json:"tick"`
	Index     int       `json:"index"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

type reportDetail struct {
	reportSummary
	LocalTrace    []byte `json:"localTrace,omitempty"`
	RemoteTrace   []byte `json:"remoteTrace,omitempty"`
	Snapshot      []byte `json:"snapshot,omitempty"`
	SnapshotBytes int    `json:"snapshotBytes"`
}

func NewHTTPHandler(host Host, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		size, oldest, newest := host.KeyframeWindow()
		var metrics map[string]uint64
		if cfg.Metrics != nil {
			metrics = cfg.Metrics()
		}
		payload := struct {
			Status     string             `json:"status"`
			ServerTime int64              `json:"serverTime"`
			Tick       uint64             `json:"tick"`
			TickRate   int                `json:"tickRate"`
			Peers      []netplay.PeerInfo `json:"peers"`
			Keyframes  keyframeWindow     `json:"keyframes"`
			Telemetry  map[string]uint64  `json:"telemetry"`
		}{
			Status:     "ok",
			ServerTime: now().UnixMilli(),
			Tick:       host.Tick(),
			TickRate:   cfg.TickRate,
			Peers:      host.Peers(),
			Keyframes:  keyframeWindow{Size: size, Oldest: oldest, Newest: newest},
			Telemetry:  metrics,
		}
		writeJSON(w, logger, payload)
	})

	mux.HandleFunc("/reports", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		if cfg.Reports == nil {
			httpError(w, "report store disabled", nethttp.StatusNotFound)
			return
		}
		limit := defaultReportLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 {
				httpError(w, "invalid limit", nethttp.StatusBadRequest)
				return
			}
			limit = value
		}
		reports, err := cfg.Reports.ListReports(r.Context(), limit)
		if err != nil {
			logger.Printf("failed to list desync reports: %v", err)
			httpError(w, "failed to list reports", nethttp.StatusInternalServerError)
			return
		}
		summaries := make([]reportSummary, 0, len(reports))
		for _, report := range reports {
			summaries = append(summaries, summarize(report))
		}
		writeJSON(w, logger, struct {
			Reports []reportSummary `json:"reports"`
		}{Reports: summaries})
	})

	mux.HandleFunc("GET /reports/{id}", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if cfg.Reports == nil {
			httpError(w, "report store disabled", nethttp.StatusNotFound)
			return
		}
		report, err := cfg.Reports.GetReport(r.Context(), r.PathValue("id"))
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, "report not found", nethttp.StatusNotFound)
			return
		}
		if err != nil {
			logger.Printf("failed to load desync report: %v", err)
			httpError(w, "failed to load report", nethttp.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, reportDetail{
			reportSummary: summarize(report),
			LocalTrace:    report.LocalTrace,
			RemoteTrace:   report.RemoteTrace,
			Snapshot:      report.Snapshot,
			SnapshotBytes: len(report.Snapshot),
		})
	})

	if cfg.Sessions != nil {
		mux.Handle("/ws", cfg.Sessions)
	}

	return mux
}

func summarize(report store.Report) reportSummary {
	return reportSummary{
		ID:        report.ID,
		Peer:      report.Peer,
		Session:   report.Session,
		Tick:      report.Tick,
		Index:     report.Index,
		Reason:    report.Reason,
		CreatedAt: report.CreatedAt,
	}
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("failed to encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
