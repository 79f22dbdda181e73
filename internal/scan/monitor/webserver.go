package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/quadtrack/internal/scan/diagnostics"
	"github.com/banshee-data/quadtrack/internal/scan/frames"
	"github.com/banshee-data/quadtrack/internal/scan/pipeline"
	"github.com/banshee-data/quadtrack/internal/version"
)

// WebServer serves status JSON, echarts pages and, when a diagnostics store
// is attached, the tailsql console.
type WebServer struct {
	address    string
	server     *http.Server
	history    *History
	controller *pipeline.Controller
	dispatcher *frames.Dispatcher
	store      *diagnostics.Store
}

// WebServerConfig contains configuration options for the web server.
// Everything except Address and History is optional.
type WebServerConfig struct {
	Address    string
	History    *History
	Controller *pipeline.Controller
	Dispatcher *frames.Dispatcher
	Store      *diagnostics.Store
}

// Status is the /api/status document.
type Status struct {
	Version    string                  `json:"version"`
	State      string                  `json:"state"`
	Tracks     int                     `json:"tracks"`
	Turns      uint64                  `json:"turns"`
	Last       *Turn                   `json:"last,omitempty"`
	Controller *pipeline.Stats         `json:"controller,omitempty"`
	Dispatcher *frames.DispatcherStats `json:"dispatcher,omitempty"`
	Store      *diagnostics.StoreStats `json:"store,omitempty"`
}

// NewWebServer creates a web server with the provided configuration.
func NewWebServer(config WebServerConfig) (*WebServer, error) {
	if config.History == nil {
		return nil, fmt.Errorf("monitor: web server needs a history")
	}
	ws := &WebServer{
		address:    config.Address,
		history:    config.History,
		controller: config.Controller,
		dispatcher: config.Dispatcher,
		store:      config.Store,
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the route mux.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		Logf("starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("monitor: http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			Logf("HTTP server force close error: %v", err)
		}
	}
	Logf("HTTP server stopped")
	return nil
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/history", ws.handleHistory)
	mux.HandleFunc("/charts/confidence", ws.handleConfidenceChart)
	mux.HandleFunc("/charts/overlay", ws.handleOverlayChart)
	if ws.store != nil {
		mux.HandleFunc("/api/diagnostics", ws.handleDiagnostics)
		if err := ws.store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, ws.status())
}

func (ws *WebServer) status() Status {
	st := Status{
		Version: version.String(),
		State:   pipeline.StateSeeking.String(),
		Turns:   ws.history.Total(),
	}
	if last, ok := ws.history.Last(); ok {
		st.Last = &last
	}
	if ws.controller != nil {
		st.State = ws.controller.State().String()
		st.Tracks = len(ws.controller.Tracks())
		cs := ws.controller.Stats()
		st.Controller = &cs
	}
	if ws.dispatcher != nil {
		ds := ws.dispatcher.Stats()
		st.Dispatcher = &ds
	}
	if ws.store != nil {
		ss := ws.store.Stats()
		st.Store = &ss
	}
	return st
}

func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	turns := ws.history.Turns()
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n < len(turns) {
		turns = turns[len(turns)-n:]
	}
	writeJSON(w, http.StatusOK, turns)
}

func (ws *WebServer) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 10000 {
		limit = n
	}
	events, err := ws.store.Events(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleConfidenceChart renders per-track confidence over the retained
// frames as an echarts line chart.
func (ws *WebServer) handleConfidenceChart(w http.ResponseWriter, r *http.Request) {
	turns := ws.history.Turns()
	series, order := ws.history.Series()

	x := make([]uint64, len(turns))
	index := make(map[uint64]int, len(turns))
	for i, t := range turns {
		x[i] = t.FrameSeq
		index[t.FrameSeq] = i
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Track confidence", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Track confidence", Subtitle: fmt.Sprintf("frames=%d tracks=%d", len(turns), len(order))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "confidence"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
	)
	line.SetXAxis(x)
	for _, id := range order {
		data := make([]opts.LineData, len(turns))
		for i := range data {
			data[i] = opts.LineData{Value: "-"}
		}
		for _, p := range series[id] {
			data[index[p.FrameSeq]] = opts.LineData{Value: p.Confidence}
		}
		line.AddSeries(shortID(id), data)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleOverlayChart renders the corners of the last batch as a scatter in
// screen orientation, one series per track.
func (ws *WebServer) handleOverlayChart(w http.ResponseWriter, r *http.Request) {
	b := ws.history.LastBatch()
	vw, vh := b.Viewport.Width, b.Viewport.Height
	if vw <= 0 || vh <= 0 {
		vw, vh = 1, 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Overlay", Width: "800px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: "Overlay", Subtitle: fmt.Sprintf("frame=%d paths=%d orientation=%s", b.FrameSeq, len(b.Paths), b.Orientation)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: vw, Name: "x"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: vh, Name: "y (up)"}),
	)
	for _, p := range b.Paths {
		pts := p.Polygon()
		data := make([]opts.ScatterData, 0, len(pts))
		for _, pt := range pts {
			// overlay y grows downwards
			data = append(data, opts.ScatterData{Value: []interface{}{pt.X, vh - pt.Y}})
		}
		scatter.AddSeries(shortID(p.TrackID.String()), data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		Logf("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
