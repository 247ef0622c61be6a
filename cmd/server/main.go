package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	geniewebui "github.com/MegaGrindStone/genie-web"
	"github.com/MegaGrindStone/genie-web/internal/handlers"
	"github.com/MegaGrindStone/genie-web/internal/services"
	"github.com/MegaGrindStone/genie-web/internal/session"
)

const sessionSweepInterval = time.Minute

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "genie")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"), cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	boltDB, err := services.NewBoltDB(cfg.StorePath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening store: %w", err))
	}
	defer boltDB.Close()

	sessions := session.NewManager(boltDB, cfg.SessionTTL, logger)

	// Streams stay open as long as the assistant writes, so the API client has no overall timeout.
	genie := services.NewGenie(cfg.APIBaseURL, &http.Client{}, logger)
	connect := func(s session.Session) handlers.API {
		return genie.As(handlers.Credentials(s))
	}
	auth := services.NewSupabase(cfg.Auth.URL, cfg.Auth.AnonKey, nil, logger)

	m, err := handlers.NewMain(connect, auth, sessions, boltDB, handlers.Options{
		CallbackURL:   cfg.Auth.CallbackURL,
		SecureCookies: cfg.SecureCookies,
	}, logger)
	if err != nil {
		log.Fatal(err)
	}

	// Expired sessions are swept in the background so their workspaces and stored tokens go away even
	// when the browser never comes back. The sweeper stops before the store is closed.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sessions.RunSweeper(sweepCtx, sessionSweepInterval)
	}()
	stopSweeper := func() {
		stopSweep()
		<-sweepDone
	}
	defer stopSweeper()

	// Serve static files
	staticFS, err := fs.Sub(geniewebui.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleRoot)
	mux.HandleFunc("GET /home", m.HandleHome)
	mux.HandleFunc("GET /dashboard", m.HandleDashboard)

	mux.HandleFunc("/auth/signin", m.HandleSignIn)
	mux.HandleFunc("/auth/callback", m.HandleCallback)
	mux.HandleFunc("/auth/signout", m.HandleSignOut)

	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/threads", m.HandleNewThread)
	mux.HandleFunc("/threads/select", m.HandleSelectThread)
	mux.HandleFunc("/threads/refresh", m.HandleRefreshThreads)

	mux.HandleFunc("/uploads", m.HandleUpload)
	mux.HandleFunc("GET /projects/{id}/tree", m.HandleProjectTree)
	mux.HandleFunc("GET /projects/{id}/file", m.HandleProjectFile)

	mux.HandleFunc("/billing/checkout", m.HandleCheckout)

	mux.HandleFunc("/admin", m.HandleAdmin)
	mux.HandleFunc("POST /admin/users/{id}/plan", m.HandleUpdateUserPlan)
	mux.HandleFunc("POST /admin/pricing/{id}", m.HandleUpdatePricing)

	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/chats", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Recover(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		stopSweeper()
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("api", cfg.APIBaseURL))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
