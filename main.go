package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vrsandeep/updatekit/internal/api"
	"github.com/vrsandeep/updatekit/internal/auth"
	"github.com/vrsandeep/updatekit/internal/core"
	"github.com/vrsandeep/updatekit/internal/jobs"
	"github.com/vrsandeep/updatekit/internal/watcher"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize the core application components
	app, err := core.New(os.Getenv("UPDATER_CONFIG"))
	if err != nil {
		log.Fatalf("Fatal error during application setup: %v", err)
	}
	defer app.Close()

	// --- Admin Token Provisioning ---
	if app.Config().Auth.TokenHash == "" {
		token, err := auth.GenerateToken()
		if err != nil {
			log.Fatalf("Could not generate admin token: %v", err)
		}
		hash, err := auth.HashToken(token)
		if err != nil {
			log.Fatalf("Could not hash admin token: %v", err)
		}
		app.Config().Auth.TokenHash = hash
		log.Println("==================================================")
		log.Println("No admin token configured. Generated one for this run.")
		log.Printf("Token: %s", token)
		log.Println("Set auth.token_hash (see `updater-cli hash-token`) to keep it.")
		log.Println("==================================================")
	}

	if v, err := app.Host().CurrentInstalledVersion(); err != nil {
		log.Printf("Warning: could not read installed version: %v", err)
	} else {
		log.Printf("Managing %s %s", app.Config().Update.PluginSlug, v)
	}

	// Start the background job scheduler.
	scheduler := jobs.StartJobs(app)
	defer scheduler.Stop()

	// Watch for packages replaced by hand.
	fileWatcher := watcher.NewService(app.Orchestrator().LiveDir(), app.Host().CurrentInstalledVersion, app.HandleExternalVersionChange)
	if err := fileWatcher.Start(); err != nil {
		log.Printf("Warning: could not start file watcher: %v", err)
	} else {
		defer fileWatcher.Stop()
	}

	// Setup the API server
	server := api.NewServer(app)
	addr := fmt.Sprintf(":%d", app.Config().Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}
	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		log.Printf("Starting web server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %v", err)
		}
	}()

	// Wait for an interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Create a context with a timeout to allow existing connections to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Attempt a graceful shutdown.
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting.")
}
