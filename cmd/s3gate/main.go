package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"s3gate/pkg/admin"
	"s3gate/pkg/api/s3"
	"s3gate/pkg/config"
	"s3gate/pkg/metadata"
	"s3gate/pkg/obs/metrics"
	"s3gate/pkg/obs/tracing"
	"s3gate/pkg/security/auth"
	adminoidc "s3gate/pkg/security/oidc"
	"s3gate/pkg/storage"
)

var version = "0.1.0-dev"
var ready atomic.Bool

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Load config from S3GATE_CONFIG or ./config.yaml; defaults otherwise.
	cfg, err := config.Load(os.Getenv("S3GATE_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := config.EnsureDirs(cfg); err != nil {
		slog.Error("failed to ensure data dirs", slog.String("error", err.Error()))
		os.Exit(1)
	}
	limits, err := cfg.Auth.Limits()
	if err != nil {
		slog.Error("invalid auth limits", slog.String("error", err.Error()))
		os.Exit(1)
	}

	traceShutdown, err := tracing.Init(context.Background(), tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		slog.Warn("tracing init failed", slog.String("error", err.Error()))
		traceShutdown = func(context.Context) error { return nil }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	m := metrics.New()
	mux.Handle("/metrics", m.Handler())

	store := metadata.NewMemoryStore()
	objs, err := storage.NewLocalFS(cfg.DataDirs)
	if err != nil {
		slog.Error("init storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	objs.SetObserver(metrics.NewStorageMetrics(m.Registry()))

	api := s3.New(store, objs, s3.WithMaxPutBytes(cfg.Limits.SinglePutMaxBytes), s3.WithLogger(logger))
	handler := api.Handler()

	var keys admin.KeyLister
	if cfg.AuthMode == "sigv4" {
		ak := make([]auth.AccessKey, 0, len(cfg.AccessKeys))
		for _, k := range cfg.AccessKeys {
			ak = append(ak, auth.AccessKey{AccessKey: k.AccessKey, SecretKey: k.SecretKey, User: k.User})
		}
		credStore := auth.NewStaticStore(ak)
		keys = credStore
		verifier := auth.NewVerifier(auth.Options{
			Provider:          credStore,
			MaxSignedBodySize: limits.MaxSignedBodySize,
			MaxPostFormSize:   limits.MaxPostFormSize,
			MaxChunkSize:      limits.MaxChunkSize,
		},
			auth.WithAnonymous(cfg.Auth.AllowAnonymous),
			auth.WithLogger(logger),
			auth.WithObserver(metrics.NewAuthMetrics(m.Registry())),
		)
		handler = verifier.Middleware(handler)
		slog.Info("sigv4 auth enabled",
			slog.Int("keys", len(ak)),
			slog.Bool("allowAnonymous", cfg.Auth.AllowAnonymous),
		)
	} else {
		slog.Warn("auth disabled; every request is served anonymously")
	}
	handler = tracing.Middleware(s3.OperationName)(handler)
	handler = m.Middleware(handler)
	mux.Handle("/", handler)

	// No WriteTimeout: aws-chunked uploads stream for as long as the client sends.
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	var adminSrv *http.Server
	if cfg.AdminAddress != "" {
		adminHandler := http.Handler(admin.Routes(admin.Info{
			Version:      version,
			Address:      cfg.Address,
			AdminAddress: cfg.AdminAddress,
			AuthMode:     cfg.AuthMode,
		}, ready.Load, keys))

		if cfg.OIDC.Enabled {
			v, err := adminoidc.NewVerifier(context.Background(), adminoidc.Config{
				Issuer:   cfg.OIDC.Issuer,
				ClientID: cfg.OIDC.ClientID,
				Audience: cfg.OIDC.Audience,
				JWKSURL:  cfg.OIDC.JWKSURL,
			})
			if err != nil {
				// refuse to expose key listings unauthenticated
				slog.Error("admin oidc init failed", slog.String("error", err.Error()))
				os.Exit(1)
			}
			exempt := func(r *http.Request) bool {
				switch r.URL.Path {
				case "/admin/health":
					return cfg.OIDC.AllowUnauthHealth
				case "/admin/version":
					return cfg.OIDC.AllowUnauthVersion
				}
				return false
			}
			// OIDC runs first so RBAC sees the subject.
			adminHandler = adminoidc.RBAC(adminoidc.DefaultAdminPolicy())(adminHandler)
			adminHandler = adminoidc.Middleware(v, exempt, logger)(adminHandler)
			slog.Info("admin oidc enabled",
				slog.Bool("allowUnauthHealth", cfg.OIDC.AllowUnauthHealth),
				slog.Bool("allowUnauthVersion", cfg.OIDC.AllowUnauthVersion),
			)
		}

		adminSrv = &http.Server{
			Addr:         cfg.AdminAddress,
			Handler:      adminHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
		go func() {
			slog.Info("admin listening", slog.String("addr", cfg.AdminAddress))
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server error", slog.String("error", err.Error()))
				os.Exit(1)
			}
		}()
	}

	go func() {
		ready.Store(true)
		slog.Info("s3gate listening", slog.String("version", version), slog.String("addr", cfg.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", slog.String("error", err.Error()))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			slog.Error("admin shutdown error", slog.String("error", err.Error()))
		}
	}
	if err := traceShutdown(ctx); err != nil {
		slog.Error("tracing shutdown error", slog.String("error", err.Error()))
	}
	slog.Info("s3gate stopped")
}
