package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadflow/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status <query-id>",
	Short: "Print the stored state of a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		q, err := st.GetQuery(ctx, args[0])
		if err != nil {
			return err
		}

		out := struct {
			ID         string                `json:"id"`
			Status     model.QueryStatus     `json:"status"`
			Text       string                `json:"text"`
			Tier       string                `json:"tier"`
			Contacts   int                   `json:"contacts"`
			Enriched   int                   `json:"enriched"`
			CostUSD    float64               `json:"cost_usd"`
			FailReason string                `json:"fail_reason,omitempty"`
			Progress   *model.EnrichProgress `json:"progress,omitempty"`
		}{
			ID:         q.ID,
			Status:     q.Status,
			Text:       q.Text,
			Tier:       q.Tier,
			Contacts:   len(q.Contacts),
			CostUSD:    q.TotalCostUSD,
			FailReason: q.FailReason,
			Progress:   q.Progress,
		}
		for _, c := range q.Contacts {
			if c.Enriched != nil {
				out.Enriched++
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
