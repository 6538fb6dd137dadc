package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/holistic.report/internal/config"
	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l1detections"
	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
	"github.com/banshee-data/holistic.report/internal/holistic/monitor"
	"github.com/banshee-data/holistic.report/internal/holistic/pipeline"
	"github.com/banshee-data/holistic.report/internal/holistic/storage/sqlite"
	"github.com/banshee-data/holistic.report/internal/holistic/stream"
	"github.com/banshee-data/holistic.report/internal/httputil"
	"github.com/banshee-data/holistic.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a pipeline config JSON file (default: built-in values)")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen  = flag.String("grpc-listen", stream.DefaultListenAddr, "gRPC listen address for the prediction stream (empty to disable)")
	udpAddr     = flag.String("udp-addr", l1detections.DefaultUDPAddress, "UDP address for detector datagrams (empty to disable)")
	udpRcvBuf   = flag.Int("udp-rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	pcapFile    = flag.String("pcap", "", "Replay detector datagrams from a PCAP file")
	pcapPort    = flag.Int("pcap-port", l1detections.DefaultUDPPort, "UDP port to replay from the PCAP file (0 for all)")
	pcapSpeed   = flag.Float64("pcap-speed", 1, "PCAP replay speed multiplier (0 for as fast as possible)")
	serialPort  = flag.String("serial", "", "Serial port carrying JSON detection lines")
	serialBaud  = flag.Int("serial-baud", 0, "Serial baud rate (default: 115200)")
	dbPath      = flag.String("db", "holistic.db", "SQLite history database (empty to disable)")
	modelURL    = flag.String("model-url", "http://localhost:8501", "Base URL of the model server")
	modelName   = flag.String("model-name", "action", "Model name on the model server")
	target      = flag.String("target", "", "Sign to match predictions against")
	noAutostart = flag.Bool("no-autostart", false, "Wait for /api/lifecycle/start instead of starting immediately")
	debug       = flag.Bool("debug", false, "Log per-frame diagnostics")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("holistic " + version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *debug {
		holistic.SetDebugLogger(os.Stderr)
	}

	log.Printf("holistic %s", version.String())
	if err := run(); err != nil {
		log.Fatalf("holistic: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func run() error {
	tuning := config.EmptyPipelineConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadPipelineConfig(*configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log.Printf("Loaded pipeline config from %s", *configPath)
	}

	classifier, err := l5inference.NewHTTPClassifier(
		httputil.NewStandardClient(&http.Client{Timeout: tuning.GetInferenceTimeout() + time.Second}),
		*modelURL, *modelName)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}
	log.Printf("Classifying sequences with %s", classifier.Endpoint())

	sources, err := openSources()
	if err != nil {
		return err
	}

	quality := monitor.NewQualityRecorder(monitor.DefaultQualitySamples)
	pcfg := tuning.ControllerConfig()
	pcfg.Inference.Classifier = classifier
	pcfg.Sources = sources
	pcfg.OnFrame = quality.Observe

	ctrl, err := pipeline.New(pcfg)
	if err != nil {
		for _, src := range sources {
			if s, ok := src.(*l1detections.SerialSource); ok {
				s.Close()
			}
		}
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			log.Printf("pipeline close: %v", err)
		}
	}()
	if *target != "" {
		ctrl.SetTarget(*target)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	mux := http.NewServeMux()
	var history monitor.History

	if *dbPath != "" {
		db, err := sqlite.Open(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		history = db
		if err := db.AttachAdminRoutes(mux); err != nil {
			return fmt.Errorf("failed to attach admin routes: %w", err)
		}

		// Subscribe before the first Start so the session_started event is kept.
		// The recorder runs until the controller closes its notifier, so the
		// final session_stopped event is persisted.
		events, cancel := ctrl.Subscribe(256)
		defer cancel()
		recCtx, recCancel := context.WithCancel(context.Background())
		defer recCancel()
		rec := sqlite.NewRecorder(db)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rec.Run(recCtx, events); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("history recorder: %v", err)
			}
			log.Printf("history recorder stopped (%d written, %d failed)", rec.Written(), rec.Failed())
		}()

		retention, err := sqlite.StartRetention(db, tuning.GetRetention(), tuning.GetRetentionSchedule())
		if err != nil {
			return fmt.Errorf("failed to schedule retention: %w", err)
		}
		defer retention.Stop()
	}

	if *grpcListen != "" {
		ss := stream.NewServer(ctrl, stream.Config{ListenAddr: *grpcListen})
		if err := ss.Start(); err != nil {
			return fmt.Errorf("failed to start stream server: %w", err)
		}
		defer ss.Stop()
	}

	srv, err := monitor.NewServer(monitor.ServerConfig{
		Address:          *listen,
		Pipeline:         ctrl,
		History:          history,
		Quality:          quality,
		QualityThreshold: tuning.GetQualityThreshold(),
		BaseContext:      ctx,
		Mux:              mux,
	})
	if err != nil {
		return err
	}

	if !*noAutostart {
		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("failed to start pipeline: %w", err)
		}
	}

	serveErr := srv.Start(ctx)
	stop()
	if err := ctrl.Close(); err != nil {
		log.Printf("pipeline close: %v", err)
	}
	wg.Wait()
	return serveErr
}

func openSources() ([]pipeline.Source, error) {
	var sources []pipeline.Source
	if *udpAddr != "" {
		sources = append(sources, l1detections.NewUDPListener(l1detections.UDPListenerConfig{
			Address: *udpAddr,
			RcvBuf:  *udpRcvBuf,
		}))
	}
	if *pcapFile != "" {
		if _, err := os.Stat(*pcapFile); err != nil {
			return nil, fmt.Errorf("failed to open PCAP file: %w", err)
		}
		sources = append(sources, &l1detections.PCAPSource{Path: *pcapFile, Port: *pcapPort, Speed: *pcapSpeed})
	}
	if *serialPort != "" {
		port, err := l1detections.OpenSerial(*serialPort, l1detections.PortOptions{BaudRate: *serialBaud})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		sources = append(sources, port)
	}
	if len(sources) == 0 {
		log.Printf("No detector sources configured; detections arrive over POST /api/detections only")
	}
	return sources, nil
}
