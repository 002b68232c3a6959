package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"inferd/internal/importer"
	"inferd/pkg/types"
)

func newPullCommand() *cobra.Command {
	var (
		server string
		sha    string
	)
	cmd := &cobra.Command{
		Use:   "pull <owner/repo/file.gguf>",
		Short: "Download a model from the hub via a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client := newAPIClient(server)
			var job types.ImportJob
			err := client.post("/v1/imports", types.ImportRequest{
				HubRef:      args[0],
				ContentHash: sha,
			}, &job)
			if err != nil {
				return err
			}
			fmt.Printf("import %s started\n", job.ID)

			lastPct := -1
			for {
				if err := client.get("/v1/imports/"+job.ID, &job); err != nil {
					return err
				}
				switch job.State {
				case importer.StateCompleted:
					fmt.Printf("\rimported %s\n", job.ModelID)
					return nil
				case importer.StateFailed:
					return fmt.Errorf("import failed: %s", job.Error)
				}
				if pct := int(job.Progress * 100); pct != lastPct {
					fmt.Printf("\rdownloading... %3d%%", pct)
					lastPct = pct
				}
				time.Sleep(500 * time.Millisecond)
			}
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "daemon address (default http://localhost:8090)")
	cmd.Flags().StringVar(&sha, "sha256", "", "expected artifact hash; mismatches fail the import")
	return cmd
}
