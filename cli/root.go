package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"filehub/config"
	"filehub/storage"
)

// VersionInfo is stamped into the binary at build time.
type VersionInfo struct {
	Version string
	Commit  string
}

// NewRootCommand builds the filehub command tree.
func NewRootCommand(info VersionInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filehub",
		Short: "Managed file transfer server",
		Long: `filehub runs a TLS file transfer server for registered clients.

Uploads and downloads are queued as actions; a connected client is told
what to send or receive the next time it polls, and interrupted uploads
resume from the last byte the server stored.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (default is ./filehub.yaml or <data-dir>/filehub.yaml)")
	flags.String("data-dir", "", "data directory (env FILEHUB_DATA_DIR)")
	flags.String("database", "", "SQLite database path (default <data-dir>/filehub.db)")
	flags.String("storage-dir", "", "root directory for stored files (default <data-dir>/storage)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	cmd.Version = fmt.Sprintf("%s.%s", info.Version, info.Commit)

	cmd.AddCommand(newVersionCommand(info))
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newActionCommand())
	cmd.AddCommand(newFilesCommand())
	cmd.AddCommand(newDiscoverCommand())

	return cmd
}

func newVersionCommand(info VersionInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "filehub %s (commit %s)\n", info.Version, info.Commit)
			return err
		},
	}
}

// loadConfig resolves configuration with this command's flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(config.LoadOptions{
		Path:  path,
		Flags: cmd.Flags(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.EnsureDataDirectories(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore loads configuration and opens the database it points at.
func openStore(cmd *cobra.Command) (*storage.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, cfg, nil
}
