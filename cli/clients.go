package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"filehub/crypto"
	"filehub/models"
	"filehub/storage"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

func newClientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage registered clients",
	}

	cmd.AddCommand(newClientAddCommand())
	cmd.AddCommand(newClientListCommand())
	cmd.AddCommand(newClientRemoveCommand())

	return cmd
}

func newClientAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <client-id>",
		Short: "Register a client",
		Long: `Register a client that may log in to the transfer server.

Without --password the password is prompted for on a terminal, or read as
the first line of standard input otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			capacity, _ := cmd.Flags().GetInt64("capacity")
			owner, _ := cmd.Flags().GetString("owner")

			if password == "" {
				var err error
				password, err = promptPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}
			hash, err := crypto.HashPassword(password)
			if err != nil {
				return err
			}

			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AddClient(models.Client{
				ClientID:     args[0],
				PasswordHash: hash,
				CapacityMax:  capacity,
				OwnerID:      owner,
			}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Added client %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().String("password", "", "client password (prompted when omitted)")
	cmd.Flags().Int64("capacity", 0, "storage capacity in bytes (0 is unlimited)")
	cmd.Flags().String("owner", "", "owning account id")

	return cmd
}

// promptPassword reads a password without echo on a terminal, or one line
// from in otherwise.
func promptPassword(in io.Reader, w io.Writer) (string, error) {
	if file, ok := in.(*os.File); ok && isTerminal(int(file.Fd())) {
		fmt.Fprint(w, "Enter password: ")
		first, err := readPassword(int(file.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		fmt.Fprint(w, "Repeat password: ")
		second, err := readPassword(int(file.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		return string(first), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password is required")
	}
	return password, nil
}

func newClientListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			clients, err := store.ListClients()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLIENT\tSTATUS\tUSED\tCAPACITY\tOWNER\tCREATED")
			for _, client := range clients {
				used, err := store.UsedStorage(client.ClientID)
				if err != nil {
					return err
				}
				capacity := "unlimited"
				if !client.Unlimited() {
					capacity = fmt.Sprintf("%d", client.CapacityMax)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					client.ClientID,
					client.Status,
					used,
					capacity,
					client.OwnerID,
					client.CreatedAt.Format(time.RFC3339),
				)
			}
			return tw.Flush()
		},
	}
}

func newClientRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <client-id>",
		Short: "Remove a client with its files and actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keepFiles, _ := cmd.Flags().GetBool("keep-files")
			clientID := args[0]

			store, cfg, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.DeleteClient(clientID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return fmt.Errorf("client %q not found", clientID)
			case errors.Is(err, storage.ErrClientOnline):
				return fmt.Errorf("client %q is connected; retry once it is offline", clientID)
			case err != nil:
				return err
			}

			if !keepFiles {
				if err := os.RemoveAll(filepath.Join(cfg.StorageDir, clientID)); err != nil {
					return fmt.Errorf("remove stored files: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed client %s\n", clientID)
			return nil
		},
	}

	cmd.Flags().Bool("keep-files", false, "leave the client's stored files on disk")

	return cmd
}
