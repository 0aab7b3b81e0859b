package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mdobak/go-xerrors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hubenschmidt/mindmap/internal/hume"
	"github.com/hubenschmidt/mindmap/internal/pipeline"
	"github.com/hubenschmidt/mindmap/internal/session"
	"github.com/hubenschmidt/mindmap/internal/trace"
	"github.com/hubenschmidt/mindmap/internal/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if hume.KindOf(err) != "" {
			fmt.Fprintln(os.Stderr, hume.UserMessage(err))
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "mindmap",
		Short:         "Voice affect gateway: local audio features plus Hume emotion scores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("MINDMAP_CONFIG"), "path to a YAML config file")

	load := func() (config, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		setupLogging(cfg.LogLevel)
		return cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	})

	var format string
	analyze := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Score one recording and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return analyzeFile(cmd.Context(), cfg, args[0], format, cmd.OutOrStdout())
		},
	}
	analyze.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	root.AddCommand(analyze)
	return root
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func serve(cfg config) error {
	store, tracer := openTracing(cfg.Trace)
	hub := ws.NewHub()
	jobs := cfg.humeClient()

	pipe := pipeline.New(pipeline.Config{
		Jobs: jobs,
		Session: session.Config{
			Capacity:      cfg.Session.Capacity,
			Interval:      cfg.Session.Interval,
			BucketSeconds: cfg.Session.BucketSeconds,
		},
		Hop:            cfg.Audio.Hop,
		VAD:            cfg.vadConfig(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		JobTimeout:     cfg.Hume.JobTimeout,
		Tracer:         tracer,
		Narrator:       cfg.narrator(),
		OnEvent:        func(ev pipeline.Event) { hub.Publish(ev) },
	})

	dashboard := ws.NewHandler(ws.HandlerConfig{
		Hub:           hub,
		Control:       pipe,
		Initial:       func() any { return snapshotEvent(pipe) },
		MaxConcurrent: cfg.Server.MaxDashboards,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		pipe:       pipe,
		jobs:       jobs,
		hub:        hub,
		wsHandler:  dashboard,
		traceStore: store,
		maxUpload:  cfg.Server.MaxUploadBytes,
		jobTimeout: cfg.Hume.JobTimeout,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{Addr: addr, Handler: withCORS(cfg.Server.CORSOrigin, mux)}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("gateway starting", "addr", addr, "hume", cfg.Hume.BaseURL, "hume_configured", jobs.Configured(), "tracing", store != nil)

	err := srv.ListenAndServe()
	pipe.Close()
	tracer.Close()
	closeTracing(store, tracer)
	if err != nil && err != http.ErrServerClosed {
		err := xerrors.New(err)
		slog.Error("server failed", slog.Any("error", err))
		return err
	}
	slog.Info("gateway stopped")
	return nil
}

// openTracing connects the trace store when a driver is configured.
// Tracing problems are logged and never stop the gateway.
func openTracing(tc traceConfig) (*trace.Store, *trace.Tracer) {
	if tc.Driver == "" {
		return nil, nil
	}
	store, err := trace.Open(tc.Driver, tc.DSN)
	if err != nil {
		slog.Warn("tracing disabled", "driver", tc.Driver, "error", err)
		return nil, nil
	}
	id := uuid.NewString()
	host, _ := os.Hostname()
	meta, _ := json.Marshal(map[string]string{"host": host, "pid": fmt.Sprint(os.Getpid())})
	if err = store.CreateSession(context.Background(), id, string(meta)); err != nil {
		slog.Warn("trace session", "error", err)
	}
	return store, trace.NewTracer(store, id)
}

func closeTracing(store *trace.Store, tracer *trace.Tracer) {
	if store == nil {
		return
	}
	if err := store.EndSession(context.Background(), tracer.SessionID()); err != nil {
		slog.Warn("end trace session", "error", err)
	}
	store.Close()
}

func snapshotEvent(pipe *pipeline.Pipeline) any {
	return map[string]any{
		"type":    "snapshot",
		"state":   pipe.State(),
		"session": pipe.Snapshot(),
	}
}

func analyzeFile(ctx context.Context, cfg config, path, format string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	up := pipeline.Upload{
		Data:     data,
		MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Filename: filepath.Base(path),
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Hume.JobTimeout)
	defer cancel()

	report, err := pipeline.AnalyzeOnce(ctx, cfg.humeClient(), up, true)
	if err != nil {
		return err
	}

	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	case "json", "":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return fmt.Errorf("unknown format %q", format)
}
