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

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banshee-data/motorbridge/internal/actuator"
	"github.com/banshee-data/motorbridge/internal/api"
	"github.com/banshee-data/motorbridge/internal/config"
	"github.com/banshee-data/motorbridge/internal/db"
	"github.com/banshee-data/motorbridge/internal/device"
	"github.com/banshee-data/motorbridge/internal/monitoring"
	"github.com/banshee-data/motorbridge/internal/safety"
	"github.com/banshee-data/motorbridge/internal/serialmux"
	"github.com/banshee-data/motorbridge/internal/session"
	"github.com/banshee-data/motorbridge/internal/version"
)

var (
	devMode       = flag.Bool("dev", false, "Run against the built-in fake controller")
	disableSerial = flag.Bool("disable-serial", false, "Run without a controller; actuation answers 503")
	listen        = flag.String("listen", ":8000", "Listen address")
	port          = flag.String("port", "", "Serial port to use (overrides config and ARDUINO_PORT; empty autodetects)")
	configPath    = flag.String("config", "", "Path to a YAML config file")
	logFile       = flag.String("log-file", "", "Also write logs to this file, rotated by size")
	dbPath        = flag.String("db", "", "Journal database path (overrides journal.path)")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

const shutdownTimeout = 5 * time.Second

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogging routes log output to stderr and, when path is set, to a
// rotating file.
func setupLogging(path string) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	monitoring.SetLogger(log.Printf)
	if path == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return lj
}

// openChannel builds the command channel the flags ask for. A real port that
// cannot be opened leaves the bridge running without a controller.
func openChannel(cfg *config.Settings, dev, disabled bool) (serialmux.SerialMuxInterface, string) {
	switch {
	case disabled:
		log.Printf("serial disabled by flag")
		return serialmux.NewDisabledSerialMux(), ""
	case dev:
		log.Printf("dev mode: using the fake controller")
		mux, _ := serialmux.NewFakeSerialMux()
		return mux, "fake"
	}

	path := cfg.Serial.Port
	if path == "" {
		found, err := serialmux.FindPort()
		if err != nil {
			log.Printf("no serial port found: %v", err)
			return serialmux.NewDisabledSerialMux(), ""
		}
		log.Printf("autodetected serial port %s", found)
		path = found
	}
	portOpts, linkOpts := cfg.PortOptions()
	mux, err := serialmux.NewRealSerialMux(path, portOpts, linkOpts)
	if err != nil {
		log.Printf("failed to open serial port %s: %v", path, err)
		return serialmux.NewDisabledSerialMux(), path
	}
	log.Printf("serial port %s at %d baud", path, portOpts.BaudRate)
	return mux, path
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("motorbridge %s (%s) built %s\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	closer := setupLogging(*logFile)
	defer closer.Close()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *dbPath != "" {
		cfg.Journal.Enabled = true
		cfg.Journal.Path = *dbPath
	}
	monitoring.SetSerialTrace(cfg.Logging.SerialLog, cfg.Logging.SerialMaxPreview)

	var journal *db.DB
	var writer *db.Writer
	if cfg.Journal.Enabled {
		journal, err = db.NewDB(cfg.Journal.Path)
		if err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		defer journal.Close()
		writer = db.NewWriter(journal, db.DefaultWriterBuffer, nil)
		log.Printf("journal at %s", journal.Path())
	}

	ch, portPath := openChannel(cfg, *devMode, *disableSerial)
	defer ch.Close()
	_, offline := ch.(*serialmux.DisabledSerialMux)

	state := safety.NewState(cfg.Safety.EstopEnabled, nil)
	stats := monitoring.NewLinkStats(monitoring.DefaultLinkStatsWindow)
	ch.AddObserver(state)
	ch.AddObserver(serialmux.ObserverFunc(func(e serialmux.Exchange) {
		stats.Observe(e.Duration, e.Err, e.Quiet)
	}))
	if writer != nil {
		ch.AddObserver(writer)
	}

	policy := actuator.NewPolicy(ch, state, cfg.ActuatorConfig(), nil)
	sup := safety.NewSupervisor(state, policy, ch, cfg.WatchdogConfig(), nil)
	if writer != nil {
		sup.SetRecorder(writer)
	}
	dev := device.New(ch, portPath, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !offline {
		if cfg.Servo.PowerMode != "" {
			mode, err := dev.EnsureServoPower(ctx, cfg.Servo.PowerMode)
			if err != nil {
				log.Fatalf("servo power bootstrap failed: %v", err)
			}
			policy.MarkServoPower(mode)
			log.Printf("servo power mode %s", mode)
		}
		if cfg.Device.ProbeOnBoot {
			info := dev.Probe(ctx, cfg.Device.ProbeTimeout.D())
			policy.SetCapabilities(info.SupportedCommands)
			if info.Firmware != nil {
				log.Printf("controller firmware answered %s: %v", info.Firmware.Cmd, info.Firmware.Reply)
			}
		}
	}

	var wg sync.WaitGroup
	bgCtx, cancelBg := context.WithCancel(context.Background())

	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(bgCtx)
		log.Print("watchdog routine terminated")
	}()
	if writer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			writer.Run(bgCtx)
			log.Printf("journal writer terminated (%d written, %d dropped)", writer.Written(), writer.Dropped())
		}()
	}

	sessions := session.NewHandler(policy, state, cfg.SessionConfig())
	srv := api.NewServer(api.Options{
		Policy:       policy,
		Supervisor:   sup,
		Device:       dev,
		Session:      sessions,
		Stats:        stats,
		Journal:      journal,
		ProbeTimeout: cfg.Device.ProbeTimeout.D(),

		TelemetryInterval: cfg.WS.TelemetryInterval.D(),
		OriginPatterns:    cfg.WS.AllowedOrigins,
	})
	mux := srv.ServeMux()
	ch.AttachAdminRoutes(mux)
	if journal != nil {
		journal.AttachAdminRoutes(mux)
	}

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Printf("joystick sessions still open at shutdown: %v", err)
	}

	if !offline {
		if _, err := policy.StopMotors(shutdownCtx, true); err != nil {
			log.Printf("shutdown stop failed: %v", err)
		}
	}

	cancelBg()
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
