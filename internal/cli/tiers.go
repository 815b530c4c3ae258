package cli

import (
	"fmt"
	"strconv"

	"github.com/cubent/usagemeter/internal/catalog"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tiersCmd)
}

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "List subscription tiers",
	Long:  "List the quota catalog: the built-in tiers, with any overrides from catalog.file applied.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		tiers := cat.Tiers()

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return writeList(out, tiers)
		}
		return writeTable(out, []string{"TIER", "RANK", "TOKENS/MONTH", "COST/MONTH", "REQ/HOUR", "REQ/DAY", "REASONING", "MODELS"}, tierRows(tiers))
	},
}

func loadCatalog() (*catalog.Catalog, error) {
	path := GetConfig().Catalog.File
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return cat, nil
}

func tierRows(tiers []models.QuotaSet) [][]string {
	rows := make([][]string, 0, len(tiers))
	for _, q := range tiers {
		rows = append(rows, []string{
			string(q.Tier),
			strconv.Itoa(q.Rank),
			formatLimit(q.MonthlyTokenLimit),
			formatCostLimit(q.MonthlyCostLimit),
			formatLimit(q.HourlyRequestLimit),
			formatLimit(q.DailyRequestLimit),
			formatYesNo(q.Features.ReasoningModels),
			formatModels(q),
		})
	}
	return rows
}
