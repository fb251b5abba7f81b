package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/gamesched/internal/simulate"
)

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().StringP("scenario", "s", "", "run a single named scenario instead of all six")
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run the scheduling core's end-to-end scenarios",
	Long: `sim drives internal/simulate's scenario harness against a
synthetic clock and workload, printing each scenario's pass/fail
verdict and its measured statistics.`,
	RunE: runSim,
}

func runSim(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("scenario")

	var results []simulate.Result
	if name != "" {
		r, err := simulate.Run(name)
		if err != nil {
			return err
		}
		results = []simulate.Result{r}
	} else {
		results = simulate.All()
	}

	failed := 0
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(os.Stdout, "[%s] %-28s run=%s\n", status, r.Name, r.RunID)
		for k, v := range r.Metrics {
			fmt.Fprintf(os.Stdout, "    %-24s %v\n", k, v)
		}
		if r.Detail != "" {
			fmt.Fprintf(os.Stdout, "    %s\n", r.Detail)
		}
	}

	if failed > 0 {
		return fmt.Errorf("sim: %d of %d scenarios failed", failed, len(results))
	}
	return nil
}
