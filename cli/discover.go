package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"filehub/crypto"
	"filehub/discovery"
)

func newDiscoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find filehub servers on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")

			servers, err := discovery.Locate(cmd.Context(), discovery.Config{ScanTimeout: timeout})
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No servers found")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tADDRESS\tFINGERPRINT")
			for _, server := range servers {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", server.Instance, server.Address(), crypto.FormatFingerprint(server.Fingerprint))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().Duration("timeout", 3*time.Second, "how long to listen for announcements")

	return cmd
}
