package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newFilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List stored files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, _ := cmd.Flags().GetString("client")

			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			files, err := store.ListFiles(clientID)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCLIENT\tNAME\tSTATUS\tRECEIVED\tSIZE\tUPDATED")
			for _, file := range files {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
					file.FileID,
					file.ClientID,
					file.Filename,
					file.Status,
					file.Received,
					file.Size,
					file.UpdatedAt.Format(time.RFC3339),
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().String("client", "", "only show files of this client")

	return cmd
}
