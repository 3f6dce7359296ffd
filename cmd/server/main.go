package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"worldsync.io/internal/logging"
	persistlog "worldsync.io/internal/persistence/log"
	"worldsync.io/internal/persistence/snapshot"
	"worldsync.io/internal/protocol"
	"worldsync.io/internal/sim/tuning"
	"worldsync.io/internal/sim/world"
	"worldsync.io/internal/transport/observer"
	"worldsync.io/internal/transport/ws"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", envString("WS_ADDR", ":8080"), "http listen address")
		worldID    = flag.String("world", envString("WS_WORLD_ID", "world_1"), "world id")
		dataDir    = flag.String("data", envString("WS_DATA_DIR", "./data"), "runtime data directory")
		tuningPath = flag.String("tuning", envString("WS_TUNING", "./configs/tuning.yaml"), "path to tuning.yaml")
		logFile    = flag.String("log_file", envString("WS_LOG_FILE", ""), "rotated log file (stderr only when empty)")
		logJSON    = flag.Bool("log_json", envBool("WS_LOG_JSON", false), "emit JSON log lines")
		disableDB  = flag.Bool("disable_db", false, "disable the SQLite stats index")
	)
	flag.Parse()

	tune, tuneErr := tuning.Load(*tuningPath)
	if tuneErr != nil && !os.IsNotExist(tuneErr) {
		boot := logrus.New()
		boot.WithError(tuneErr).Fatal("load tuning")
	}
	tune.MaxClients = envInt("WS_MAX_CLIENTS", tune.MaxClients)

	logger, logCloser := logging.New(logging.Options{Level: tune.LogLevel, File: *logFile, JSON: *logJSON})
	defer logCloser.Close()
	if tuneErr != nil {
		logger.WithField("path", *tuningPath).Warn("tuning not found; using defaults")
	}

	runID := uuid.NewString()
	log := logger.WithFields(logrus.Fields{"world": *worldID, "run": runID})

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		log.WithError(err).Fatal("create data dir")
	}

	cfg := world.ConfigFromTuning(*worldID, tune)
	cfg.RunID = runID
	w, err := world.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("world")
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		log.WithError(err).Fatal("compile schemas")
	}

	// Optional read model; it never affects the tick loop.
	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		log.WithError(err).Fatal("open index backend")
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.RecordRun(context.Background(), runID, tune); err != nil {
			log.WithError(err).Warn("index: record run")
		}
	}

	tickLog := persistlog.NewTickLogger(worldDir)
	defer tickLog.Close()
	sinks := persistlog.Fanout{tickLog}
	if idx != nil {
		sinks = append(sinks, idx)
	}
	w.SetTickLogger(sinks)

	dumpCh := make(chan snapshot.HistoryDumpV1, 2)
	w.SetSnapshotSink(dumpCh)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		select {
		case <-w.Done():
			http.Error(rw, "world stopped", http.StatusServiceUnavailable)
		default:
			rw.WriteHeader(http.StatusOK)
			_, _ = rw.Write([]byte("ok"))
		}
	})
	mux.HandleFunc("/metrics", metricsHandler(*worldID, w, idx))
	if envBool("WS_ENABLE_ADMIN_HTTP", true) {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(struct {
				WorldID string             `json:"world_id"`
				RunID   string             `json:"run_id"`
				Tick    uint64             `json:"tick"`
				Metrics world.WorldMetrics `json:"metrics"`
			}{*worldID, runID, w.CurrentTick(), w.Metrics()})
		})
		obs := observer.NewServer(w, log)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obs.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())
	}
	if envBool("WS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(w, validator, log).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := w.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case d := <-dumpCh:
				path := snapshot.PathFor(filepath.Join(worldDir, "history"), d.Header.Tick)
				if err := snapshot.WriteDump(path, d); err != nil {
					log.WithError(err).Warn("history dump write failed")
					continue
				}
				if idx != nil {
					idx.RecordDump(path, d)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": *addr, "tick_hz": tune.TickRateHz, "max_clients": tune.MaxClients}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped")
		return
	}
	log.Info("server stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
