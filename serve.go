package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"

	"sentinel/alerts"
	"sentinel/camera"
	"sentinel/config"
	"sentinel/db"
	"sentinel/detect"
	"sentinel/events"
	"sentinel/models"
	"sentinel/utils"
)

func serve(protocol, port string) {
	protocol = strings.ToLower(protocol)
	var allowOriginFunc = func(r *http.Request) bool {
		return true
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	store, err := events.NewStore(cfg.Events.ScreenshotDir)
	if err != nil {
		log.Fatalf("failed to prepare screenshot folder: %v", err)
	}

	var index *db.SQLiteClient
	if cfg.Events.DBPath != "" {
		index, err = db.NewSQLiteClient(cfg.Events.DBPath)
		if err != nil {
			log.Printf("event index unavailable, continuing without history: %v\n", err)
			index = nil
		}
	}

	rawSlot := camera.NewSlot()
	annotatedSlot := camera.NewSlot()

	device := camera.NewWebcam(cfg.Camera.Device, cfg.Camera.Width, cfg.Camera.Height, cfg.Stream.JPEGQuality)
	source := camera.NewSource(camera.SourceConfig{
		Camera:       cfg.Camera.Name,
		RetryBackoff: cfg.Camera.RetryBackoff,
		MaxBackoff:   cfg.Camera.MaxBackoff,
		MaxFailures:  cfg.Camera.MaxFailures,
	}, device, rawSlot)

	engine := detect.NewHTTPEngine(cfg.Detection.EngineURL, cfg.Detection.Timeout)
	if err := engine.HealthCheck(); err != nil {
		log.Printf("WARNING: %v\n", err)
		log.Println("The server will start but detection will fail until the engine is reachable.")
	} else {
		log.Println("Detection engine is available")
	}

	manager := events.NewManager(events.Config{
		Camera:        cfg.Camera.Name,
		Window:        cfg.Events.Window,
		MinShotGap:    cfg.Events.MinShotGap,
		SweepInterval: cfg.Events.SweepInterval,
		Retention:     cfg.Events.Retention,
	}, store, index)

	dispatcher := buildDispatcher(cfg, store)

	annotator := detect.NewAnnotator(cfg.Stream.JPEGQuality, cfg.Stream.Width)
	worker := detect.NewWorker(detect.WorkerConfig{
		Camera:        cfg.Camera.Name,
		SamplePolicy:  cfg.Detection.SamplePolicy,
		Interval:      cfg.Detection.Interval,
		EveryKth:      cfg.Detection.EveryKth,
		Threshold:     cfg.Detection.Threshold,
		WeaponClasses: cfg.WeaponClassSet(),
		Timeout:       cfg.Detection.Timeout,
	}, engine, annotator, rawSlot, annotatedSlot, manager)

	server := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})

	controller := newSocketController(server, source, worker, manager)
	registerSocketHandlers(server, controller)

	worker.OnResult = controller.broadcastThreatUpdate
	manager.OnEventOpened = controller.broadcastEventOpened
	manager.OnShot = dispatcher.HandleShot
	manager.OnEventClosed = func(event models.Event) {
		dispatcher.HandleEventClosed(event)
		controller.broadcastEventClosed(event)
	}

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("socketio listen error: %s\n", err)
		}
	}()
	defer server.Close()

	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := source.Run(pipelineCtx); err != nil {
			utils.LogError(pipelineCtx, "frame source stopped", err)
		}
	}()
	go func() {
		defer wg.Done()
		worker.Run(pipelineCtx)
	}()
	go func() {
		defer wg.Done()
		manager.Run(pipelineCtx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", server)
	mux.HandleFunc("/video_feed", newVideoFeedHandler(annotatedSlot, rawSlot, cfg.Stream.MaxFPS))
	mux.HandleFunc("/api/status", newStatusHandler(source, worker))
	mux.HandleFunc("/api/threats", newThreatsHandler(worker))
	mux.HandleFunc("/api/screenshots", newScreenshotsHandler(index))
	mux.HandleFunc("/api/events", newEventsHandler(index, manager))
	mux.HandleFunc("/health", newHealthHandler(source, worker))
	mux.Handle("/", http.FileServer(http.Dir("static")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveHTTP(ctx, protocol == "https", port, mux)

	// Viewers are gone; wind the pipeline down. The source releases the
	// device, the worker finishes its in-flight inference, the manager
	// flushes any open event, and only then are alerts drained.
	stopPipeline()
	wg.Wait()
	dispatcher.Drain()
	if index != nil {
		index.Close()
	}
	log.Println("Shutdown complete")
}

// buildDispatcher wires whichever notification collaborators have
// credentials configured. Missing credentials disable that stage only.
func buildDispatcher(cfg *config.Config, store *events.Store) *alerts.Dispatcher {
	var analyzer alerts.Analyzer
	if cfg.Alerts.GeminiAPIKey != "" {
		a, err := alerts.NewGeminiAnalyzer(context.Background(), cfg.Alerts.GeminiAPIKey, cfg.Alerts.GeminiModel)
		if err != nil {
			log.Printf("Gemini analysis disabled: %v\n", err)
		} else {
			analyzer = a
		}
	} else {
		log.Println("GEMINI_API_KEY not set, event analysis disabled")
	}

	var speaker alerts.Speaker
	if cfg.Alerts.GoogleTTSAPIKey != "" {
		s, err := alerts.NewGoogleTTSClient(cfg.Alerts.GoogleTTSAPIKey)
		if err != nil {
			log.Printf("alert audio disabled: %v\n", err)
		} else {
			speaker = s
		}
	}

	var caller alerts.Caller
	if cfg.Alerts.TwilioAccountSID != "" {
		c, err := alerts.NewTwilioCaller(
			cfg.Alerts.TwilioAccountSID,
			cfg.Alerts.TwilioAuthToken,
			cfg.Alerts.TwilioPhoneNumber,
			cfg.Alerts.TargetPhoneNumber,
		)
		if err != nil {
			log.Printf("alert calls disabled: %v\n", err)
		} else {
			caller = c
		}
	} else {
		log.Println("TWILIO_ACCOUNT_SID not set, alert calls disabled")
	}

	return alerts.NewDispatcher(alerts.DispatcherConfig{
		Policy:       cfg.Alerts.Policy,
		MaxAttempts:  cfg.Alerts.MaxAttempts,
		BaseBackoff:  cfg.Alerts.BaseBackoff,
		MaxBackoff:   cfg.Alerts.MaxBackoff,
		DrainTimeout: cfg.Alerts.DrainTimeout,
	}, analyzer, speaker, caller, store)
}

// serveHTTP runs the HTTP (or HTTPS) server until the context is cancelled,
// then shuts it down gracefully.
func serveHTTP(ctx context.Context, serveHTTPS bool, port string, handler http.Handler) {
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	if serveHTTPS {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

		certKeyDefault := "/etc/letsencrypt/live/localport.online/privkey.pem"
		certFileDefault := "/etc/letsencrypt/live/localport.online/fullchain.pem"
		certKey := utils.GetEnv("CERT_KEY", certKeyDefault)
		certFile := utils.GetEnv("CERT_FILE", certFileDefault)
		if certKey == "" || certFile == "" {
			log.Fatal("Missing cert")
		}

		log.Printf("Starting HTTPS server on %s\n", addr)
		go func() {
			errCh <- srv.ListenAndServeTLS(certFile, certKey)
		}()
	} else {
		log.Printf("Starting HTTP server on port %v\n", port)
		go func() {
			errCh <- srv.ListenAndServe()
		}()
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown: %v\n", err)
		}
	}
}
