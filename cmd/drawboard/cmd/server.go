package cmd

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmcleod/drawboard/config"
	"github.com/jmcleod/drawboard/db"
	"github.com/jmcleod/drawboard/internal/util"
	"github.com/jmcleod/drawboard/login"
	"github.com/jmcleod/drawboard/server"
)

var (
	listenAddr    string
	webAddr       string
	dataDir       string
	memoryOnly    bool
	tlsCert       string
	tlsKey        string
	tlsRequired   bool
	autostop      bool
	adminUser     string
	adminPassword string
	verbose       bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the drawing session server",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		var store config.Store
		var database *db.Database
		opts := []server.Option{server.WithLogger(logger)}

		if memoryOnly {
			store = config.NewMemoryStore()
		} else {
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			var err error
			database, err = db.Open(filepath.Join(dataDir, "drawboard.db"), nil)
			if err != nil {
				return fmt.Errorf("failed to open server database: %w", err)
			}
			defer database.Close()
			store = database

			sessionDir := filepath.Join(dataDir, "sessions")
			if err := os.MkdirAll(sessionDir, 0o700); err != nil {
				return fmt.Errorf("failed to create session directory: %w", err)
			}
			opts = append(opts, server.WithDatabase(database), server.WithSessionDir(sessionDir))
		}
		cfg := config.New(store)

		if tlsCert != "" || tlsKey != "" || tlsRequired {
			var cert tls.Certificate
			var err error
			if tlsCert != "" && tlsKey != "" {
				cert, err = tls.LoadX509KeyPair(tlsCert, tlsKey)
				if err != nil {
					return fmt.Errorf("failed to load TLS key pair: %w", err)
				}
			} else {
				cert, err = util.GenerateSelfSignedCert()
				if err != nil {
					return fmt.Errorf("failed to generate self-signed certificate: %w", err)
				}
				fmt.Println("Using self-signed runtime generated certificate for TLS")
			}
			opts = append(opts, server.WithTLS(&tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}, tlsRequired))
		}

		if cfg.GetBool(config.UseExtAuth) {
			key := cfg.GetString(config.ExtAuthKey)
			if key == "" {
				return fmt.Errorf("external auth enabled but no key configured")
			}
			validator, err := login.NewExtAuthValidator(key, "")
			if err != nil {
				return fmt.Errorf("bad external auth key: %w", err)
			}
			opts = append(opts, server.WithExtAuth(validator))
		}

		if autostop {
			opts = append(opts, server.WithAutostop())
		}
		if adminUser != "" {
			opts = append(opts, server.WithAdminCredentials(adminUser, adminPassword))
		}

		srv := server.New(cfg, opts...)

		if !memoryOnly {
			if err := srv.LoadSessions(); err != nil {
				return fmt.Errorf("failed to restore sessions: %w", err)
			}
		}

		if err := srv.Listen(listenAddr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
		}
		if webAddr != "" {
			if err := srv.ListenWeb(webAddr); err != nil {
				return fmt.Errorf("failed to listen on %s: %w", webAddr, err)
			}
		}

		printBanner()
		fmt.Printf("Listening on %s (data: %s)...\n", listenAddr, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			srv.Stop()
		case <-srv.Done():
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":27750", "TCP listen address")
	serverCmd.Flags().StringVarP(&webAddr, "web", "w", "", "HTTP listen address for WebSocket, admin API and status page")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().BoolVar(&memoryOnly, "memory", false, "Run fully in memory, without a database or session persistence")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().BoolVar(&tlsRequired, "tls-required", false, "Require clients to upgrade to TLS before logging in")
	serverCmd.Flags().BoolVar(&autostop, "autostop", false, "Shut down when the last user disconnects")
	serverCmd.Flags().StringVar(&adminUser, "admin-user", "", "Username for admin API basic auth")
	serverCmd.Flags().StringVar(&adminPassword, "admin-password", "", "Password for admin API basic auth")
	serverCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log debug detail")
}
