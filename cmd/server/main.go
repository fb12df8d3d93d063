package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/errgroup"

	"gwi.com/chatcore/internal/api"
	"gwi.com/chatcore/internal/auth"
	"gwi.com/chatcore/internal/blob"
	"gwi.com/chatcore/internal/config"
	"gwi.com/chatcore/internal/core"
	"gwi.com/chatcore/internal/dispatch"
	"gwi.com/chatcore/internal/store"
)

// rootCmd runs the server when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "Two-party messaging server",
	Args:  cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadConfig()
		config.SetupLogging(config.AppConfig.LogLevel)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(config.AppConfig.DatabaseURL, store.Options{
		MaxOpenConns: config.AppConfig.DBMaxOpen,
		WriteRetries: config.AppConfig.WriteRetries,
	})
}

func serve() error {
	cfg := config.AppConfig

	dbStore, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	blobs, err := blob.NewFSStore(afero.NewOsFs(), cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	hub := dispatch.NewHub(cfg.DispatchQueueSize, cfg.SessionBufferSize)
	presence := core.NewPresenceTracker(dbStore, hub, hub, cfg.OnlineWindow)
	chatService := core.NewChatService(dbStore, presence)
	messageService := core.NewMessageService(dbStore, chatService, hub, cfg.MaxTextLength)
	mediaService := core.NewMediaService(dbStore, blobs, chatService, hub, cfg.MaxUploadBytes, cfg.AllowedMIMETypes)
	userService := core.NewUserService(dbStore)

	apiHandler := api.NewAPIHandler(userService, chatService, messageService, presence, mediaService, cfg.MaxUploadBytes)
	frames := core.SessionFrames{Messages: messageService, Presence: presence}
	router := api.NewRouter(apiHandler, api.RouterOptions{
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		WebSocket:          hub.ServeWS(auth.ValidateJWT, frames),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		jww.INFO.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		jww.INFO.Println("Shutting down server...")
		// Give active requests time to finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	jww.INFO.Println("Server exiting gracefully")
	return nil
}
