package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"filehub/config"
	"filehub/crypto"
	"filehub/discovery"
	"filehub/logging"
	"filehub/network"
	"filehub/storage"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the file transfer server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer func() {
				_ = logger.Sync()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "listen address (default :8000)")
	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-key", "", "TLS private key file")
	flags.Int("chunk-size", 0, "transfer chunk size in bytes")
	flags.Duration("idle-timeout", 0, "disconnect clients silent for this long")
	flags.Bool("discovery", false, "advertise the server over mDNS")
	flags.Bool("log-json", false, "log JSON to stdout")
	flags.String("log-file", "", "also log JSON to this rotated file")

	return cmd
}

// runServer serves until ctx is done, then drains within the shutdown timeout.
func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	store, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	if err := network.RecoverState(store, logger); err != nil {
		return err
	}

	identity, err := crypto.EnsureServerIdentity(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hosts, cfg.TLS.AutoGenerate)
	if err != nil {
		return fmt.Errorf("failed to prepare TLS identity: %w", err)
	}
	if identity.Generated {
		logger.Info("generated self-signed certificate",
			zap.String("cert_file", cfg.TLS.CertFile),
			zap.Strings("hosts", cfg.TLS.Hosts))
	}

	server, err := network.Listen(cfg.ListenAddress, network.ServerOptions{
		TLSConfig:                 crypto.ServerTLSConfig(identity),
		Gateway:                   store,
		StorageDir:                cfg.StorageDir,
		ChunkSize:                 cfg.Transfer.ChunkSize,
		StallTimeout:              cfg.Transfer.StallTimeout,
		IdleTimeout:               cfg.Liveness.IdleTimeout,
		PollInterval:              cfg.Liveness.PollInterval,
		LoginTimeout:              cfg.Auth.LoginTimeout,
		ConnectionRateLimitPerIP:  cfg.Limits.ConnectionsPerIP,
		ConnectionRateLimitWindow: cfg.Limits.Window,
		Logger:                    logger,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Listening:       %s\n", server.Addr())
	fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(identity.Fingerprint))
	fmt.Fprintf(out, "Data Directory:  %s\n", cfg.DataDir)
	fmt.Fprintf(out, "Database File:   %s\n", cfg.DatabasePath)
	fmt.Fprintf(out, "Storage:         %s\n", cfg.StorageDir)

	if cfg.Discovery.Enabled {
		if broadcaster, err := startDiscovery(cfg, server, identity); err != nil {
			logger.Warn("discovery startup failed", zap.Error(err))
		} else {
			defer broadcaster.Stop()
			fmt.Fprintln(out, "Discovery:       running")
		}
	}

	fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Fprintln(out, "Status:          shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func startDiscovery(cfg *config.Config, server *network.Server, identity *crypto.Identity) (*discovery.Broadcaster, error) {
	port, err := discovery.PortFromAddr(server.Addr())
	if err != nil {
		return nil, err
	}
	return discovery.StartBroadcaster(discovery.Config{
		Instance:    cfg.Discovery.Instance,
		Port:        port,
		Fingerprint: identity.Fingerprint,
	})
}
