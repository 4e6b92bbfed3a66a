package cli

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"filehub/models"
	"filehub/network"
	"filehub/storage"
)

func newActionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Queue, cancel and inspect transfer actions",
	}

	cmd.AddCommand(newActionUploadCommand())
	cmd.AddCommand(newActionDownloadCommand())
	cmd.AddCommand(newActionCancelCommand())
	cmd.AddCommand(newActionListCommand())

	return cmd
}

func newActionUploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <client-id>",
		Short: "Ask a client to upload a file on its next poll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if _, err := store.GetClient(args[0]); err != nil {
				return clientLookupError(args[0], err)
			}
			action, err := store.CreateAction(args[0], models.ActionUpload, nil)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Queued upload action %d for %s\n", action.ActionID, args[0])
			return nil
		},
	}
}

func newActionDownloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "download <client-id> <file-id>",
		Short: "Send a stored file back to a client on its next poll",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID := args[0]
			fileID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid file id %q", args[1])
			}

			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			file, err := store.GetFile(fileID)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("file %d not found", fileID)
			}
			if err != nil {
				return err
			}
			if file.ClientID != clientID {
				return fmt.Errorf("file %d does not belong to %s", fileID, clientID)
			}
			if file.Status != models.FileUploaded {
				return fmt.Errorf("file %d is %s, not %s", fileID, file.Status, models.FileUploaded)
			}

			action, err := store.CreateAction(clientID, models.ActionDownload, &fileID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Queued download action %d of %q for %s\n", action.ActionID, file.Filename, clientID)
			return nil
		},
	}
}

func newActionCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "Cancel a pending, running or interrupted action",
		Long: `Cancel an action. A transfer already in progress notices the cancel
before its next chunk and discards any partial upload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid action id %q", args[0])
			}

			store, cfg, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			previous, err := store.CancelAction(actionID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("action %d not found or already finished", actionID)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Canceled action %d\n", actionID)

			// No transfer holds an interrupted upload, so its partial file can go now.
			if previous != models.ActionInterrupted {
				return nil
			}
			return purgeCanceledUpload(cmd, store, cfg.StorageDir, actionID)
		},
	}
}

func newActionListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, _ := cmd.Flags().GetString("client")

			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			actions, err := store.ListActions(clientID)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCLIENT\tKIND\tSTATUS\tFILE\tUPDATED")
			for _, action := range actions {
				file := "-"
				if action.FileID != nil {
					file = strconv.FormatInt(*action.FileID, 10)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					action.ActionID,
					action.ClientID,
					action.Kind,
					action.Status,
					file,
					action.UpdatedAt.Format(time.RFC3339),
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().String("client", "", "only show actions of this client")

	return cmd
}

func purgeCanceledUpload(cmd *cobra.Command, store *storage.Store, storageDir string, actionID int64) error {
	action, err := store.GetAction(actionID)
	if err != nil {
		return err
	}
	if action.Kind != models.ActionUpload || action.FileID == nil {
		return nil
	}
	file, err := store.GetFile(*action.FileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if file.Status != models.FileUploading {
		return nil
	}

	if err := network.PurgeUpload(store, storageDir, *file); err != nil {
		return fmt.Errorf("failed to remove partial upload: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed partial upload %q (%d of %d bytes)\n", file.Filename, file.Received, file.Size)
	return nil
}

func clientLookupError(clientID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("client %q not found", clientID)
	}
	return err
}
