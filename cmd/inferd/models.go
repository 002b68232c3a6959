package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"inferd/pkg/types"
)

func newModelsCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models known to a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var out types.ModelsResponse
			if err := newAPIClient(server).get("/v1/models", &out); err != nil {
				return err
			}
			printModels(out.Models)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "daemon address (default http://localhost:8090)")
	return cmd
}

func printModels(models []types.Model) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSIZE\tHUB REF")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, humanSize(m.SizeBytes), m.HubRef)
	}
	w.Flush()
}

func humanSize(n int64) string {
	switch {
	case n <= 0:
		return "-"
	case n < 1<<20:
		return fmt.Sprintf("%d KiB", n>>10)
	case n < 1<<30:
		return fmt.Sprintf("%d MiB", n>>20)
	default:
		return fmt.Sprintf("%.1f GiB", float64(n)/float64(1<<30))
	}
}
