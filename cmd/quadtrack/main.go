// Command quadtrack runs the rectangle detect/track pipeline over a frame
// source and publishes the overlay paths.
//
// Usage:
//
//	go run ./cmd/quadtrack -synthetic 300 -listen :8081 -grpc localhost:50061
//	go run ./cmd/quadtrack -frames ./clip -remote ws://engine:9090/engine
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/quadtrack/internal/config"
	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/diagnostics"
	"github.com/banshee-data/quadtrack/internal/scan/engine"
	"github.com/banshee-data/quadtrack/internal/scan/frames"
	"github.com/banshee-data/quadtrack/internal/scan/geometry"
	"github.com/banshee-data/quadtrack/internal/scan/monitor"
	"github.com/banshee-data/quadtrack/internal/scan/overlay"
	"github.com/banshee-data/quadtrack/internal/scan/pipeline"
	"github.com/banshee-data/quadtrack/internal/scan/remote"
	"github.com/banshee-data/quadtrack/internal/scan/visualiser"
	"github.com/banshee-data/quadtrack/internal/security"
	"github.com/banshee-data/quadtrack/internal/version"
)

var (
	configPath   = flag.String("config", "", "Tuning config file (.json); defaults are used when empty")
	framesDir    = flag.String("frames", "", "Replay the images in this directory")
	synthetic    = flag.Int("synthetic", 0, "Generate this many synthetic frames instead of reading -frames")
	orientation  = flag.String("orientation", "upright", "Device orientation: upright, upside-down, rotated-left, rotated-right")
	dbPath       = flag.String("db", "", "SQLite diagnostics database; disabled when empty")
	listen       = flag.String("listen", ":8081", "Monitor HTTP listen address; disabled when empty")
	grpcAddr     = flag.String("grpc", "", "gRPC overlay stream listen address; disabled when empty")
	plotDir      = flag.String("plots", "", "Write PNG plots to this directory on exit")
	remoteURL    = flag.String("remote", "", "Use the websocket engine at this URL instead of the bundled one")
	engineListen = flag.String("engine-listen", "", "Serve the bundled engine over websocket on this address")
	diagLog      = flag.Bool("diag", false, "Enable the diagnostics log stream")
	traceLog     = flag.Bool("trace", false, "Enable the per-frame trace log stream")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *framesDir == "" && *synthetic <= 0 {
		log.Fatal("one of -frames or -synthetic is required")
	}

	for _, p := range []string{*dbPath, *plotDir} {
		if p == "" {
			continue
		}
		if err := security.ValidateOutputPath(p); err != nil {
			log.Fatalf("invalid output path: %v", err)
		}
	}

	setLogWriters(os.Stderr, *diagLog, *traceLog)

	tuning, err := loadTuning(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning: %v", err)
	}
	o, err := scan.ParseOrientation(*orientation)
	if err != nil {
		log.Fatalf("invalid -orientation: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks := diagnostics.Fanout{diagnostics.NewLogSink(*diagLog)}
	var store *diagnostics.Store
	if *dbPath != "" {
		store, err = diagnostics.OpenStore(*dbPath, tuning.GetDiagnosticsQueueSize())
		if err != nil {
			log.Fatalf("failed to open diagnostics store: %v", err)
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	src, capture, err := buildSource(tuning, o)
	if err != nil {
		log.Fatalf("failed to open frame source: %v", err)
	}

	detector, tracker, closeEngine, err := buildEngine(tuning, *remoteURL)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	defer closeEngine()

	controller, err := pipeline.New(controllerConfig(tuning), detector, tracker, sinks)
	if err != nil {
		log.Fatalf("failed to create controller: %v", err)
	}
	defer controller.Close()

	emitter, err := buildEmitter(tuning, capture)
	if err != nil {
		log.Fatalf("failed to set up overlay geometry: %v", err)
	}

	dispatcher := frames.NewDispatcher(frames.DispatcherConfig{
		MaxFrameRate: tuning.GetMaxFrameRate(),
		Sink:         sinks,
	})

	history := monitor.NewHistory(tuning.GetHistoryLength())
	observers := []pipeline.Observer{history}
	if store != nil {
		observers = append(observers, pipeline.ObserverFunc(func(out pipeline.Output, _ overlay.Batch) {
			store.RecordTurn(out.Record())
		}))
	}

	var renderers overlay.MultiRenderer
	if *grpcAddr != "" {
		cfg := visualiser.DefaultConfig()
		cfg.ListenAddr = *grpcAddr
		publisher := visualiser.NewPublisher(cfg)
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start overlay stream: %v", err)
		}
		defer publisher.Stop()
		renderers = append(renderers, publisher)
	}

	var plotter *monitor.Plotter
	if *plotDir != "" {
		plotter, err = monitor.NewPlotter(*plotDir, history)
		if err != nil {
			log.Fatalf("failed to create plotter: %v", err)
		}
		renderers = append(renderers, plotter)
	}

	var wg sync.WaitGroup

	if *listen != "" {
		ws, err := monitor.NewWebServer(monitor.WebServerConfig{
			Address:    *listen,
			History:    history,
			Controller: controller,
			Dispatcher: dispatcher,
			Store:      store,
		})
		if err != nil {
			log.Fatalf("failed to create monitor: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("monitor server error: %v", err)
			}
		}()
	}

	if *engineListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveEngine(ctx, *engineListen, tuning); err != nil {
				log.Printf("engine server error: %v", err)
			}
		}()
	}

	log.Printf("%s: capture %vx%v, orientation %s", version.String(), capture.Width, capture.Height, o)
	runner := pipeline.NewRunner(controller, dispatcher, emitter, renderers, observers...)
	if err := runner.Run(ctx, src); err != nil {
		log.Printf("pipeline stopped: %v", err)
	}
	log.Printf("processed %d turns", history.Total())

	if plotter != nil {
		files, err := plotter.Generate()
		if err != nil {
			log.Printf("failed to write plots: %v", err)
		}
		for _, f := range files {
			log.Printf("wrote %s", f)
		}
	}
	if store != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := store.Flush(flushCtx); err != nil {
			log.Printf("failed to flush diagnostics: %v", err)
		}
		cancel()
	}

	stop()
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// setLogWriters routes the ops stream of every package to w and enables
// the diag and trace streams on request.
func setLogWriters(w io.Writer, diag, trace bool) {
	var diagW, traceW io.Writer
	if diag {
		diagW = w
	}
	if trace {
		traceW = w
	}
	pipeline.SetLogWriters(w, diagW, traceW)
	frames.SetLogWriters(w, diagW, traceW)
	overlay.SetLogWriters(w, diagW, traceW)
	remote.SetLogWriters(w, diagW, traceW)
	visualiser.SetLogWriters(w, diagW, traceW)
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func controllerConfig(t *config.TuningConfig) pipeline.Config {
	return pipeline.Config{
		ConfidenceThreshold: t.GetConfidenceThreshold(),
		RefinementEnabled:   t.GetRefinementEnabled(),
		RefinementMargin:    t.GetRefinementMargin(),
		MinRefinementIoU:    t.GetMinRefinementIoU(),
		CompletionQueueSize: t.GetCompletionQueueSize(),
	}
}

func detectorConfig(t *config.TuningConfig) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.MinArea = t.GetDetectorMinArea()
	cfg.Tolerance = t.GetDetectorTolerance()
	cfg.MaxResults = t.GetDetectorMaxResults()
	cfg.MaxDimension = t.GetDetectorMaxDimension()
	cfg.Invert = t.GetDetectorInvert()
	return cfg
}

// buildSource picks the synthetic clip or the image directory. The capture
// size of a synthetic clip is its pixel size; a replayed directory uses the
// configured capture resolution.
func buildSource(t *config.TuningConfig, o scan.Orientation) (frames.Source, scan.Size, error) {
	srcCfg := frames.SourceConfig{Orientation: o, Interval: t.GetFrameInterval()}
	if *synthetic > 0 {
		cfg := frames.DefaultSyntheticConfig(*synthetic)
		cfg.SourceConfig = srcCfg
		return frames.NewSyntheticSource(cfg), scan.Size{Width: float64(cfg.Width), Height: float64(cfg.Height)}, nil
	}
	src, err := frames.NewDirSource(*framesDir, srcCfg)
	if err != nil {
		return nil, scan.Size{}, err
	}
	w, h := t.GetCaptureSize()
	return src, scan.Size{Width: w, Height: h}, nil
}

// buildEngine returns the bundled engine, or a websocket client when url is
// set. The returned close func is always safe to call.
func buildEngine(t *config.TuningConfig, url string) (pipeline.Detector, pipeline.Tracker, func(), error) {
	if url != "" {
		cfg := remote.DefaultConfig(url)
		if d := t.GetRemoteTimeout(); d > 0 {
			cfg.ReadTimeout = d
		}
		client, err := remote.NewClient(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, client, func() {
			if err := client.Close(); err != nil {
				log.Printf("failed to close engine connection: %v", err)
			}
		}, nil
	}
	det, tr, err := localEngine(t)
	if err != nil {
		return nil, nil, nil, err
	}
	return det, tr, func() {}, nil
}

func localEngine(t *config.TuningConfig) (*engine.Detector, *engine.Tracker, error) {
	det, err := engine.NewDetector(detectorConfig(t))
	if err != nil {
		return nil, nil, err
	}
	tr, err := engine.NewTracker(det, t.GetTrackerSearchMargin())
	if err != nil {
		return nil, nil, err
	}
	return det, tr, nil
}

func buildEmitter(t *config.TuningConfig, capture scan.Size) (*overlay.Emitter, error) {
	vw, vh := t.GetViewportSize()
	tr, err := geometry.New(capture, scan.Size{Width: vw, Height: vh})
	if err != nil {
		return nil, err
	}
	if pw, ph, ok := t.GetPreviewSize(); ok {
		if _, err := tr.SetPreview(scan.Size{Width: pw, Height: ph}); err != nil {
			return nil, err
		}
	}
	return overlay.NewEmitter(tr), nil
}

// serveEngine exposes the bundled engine to remote clients until ctx ends.
func serveEngine(ctx context.Context, addr string, t *config.TuningConfig) error {
	det, tr, err := localEngine(t)
	if err != nil {
		return err
	}
	h := remote.NewHandler(det, tr)
	h.Timeout = t.GetRemoteTimeout()

	mux := http.NewServeMux()
	mux.Handle("/engine", h)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("serving engine on ws://%s/engine", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("engine server shutdown error: %v", err)
		return server.Close()
	}
	log.Printf("engine server stopped")
	return nil
}
