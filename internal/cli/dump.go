package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tutu-network/gamesched/internal/domain"
	"github.com/tutu-network/gamesched/internal/kernel"
	"github.com/tutu-network/gamesched/internal/timebase"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().IntP("tasks", "n", 4, "number of demo tasks to create and schedule before dumping")
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print a run-queue state dump for a freshly booted core",
	Long: `dump builds a kernel over the detected topology, admits a
handful of demo tasks (one gaming-tagged, one background, the rest
default), and prints each CPU's run-queue ordering — the same shape
the halt-dump writes to the log on a fatal invariant violation.`,
	RunE: runDump,
}

func runDump(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("tasks")
	if n < 1 {
		n = 1
	}

	topo := detectTopology()
	k := kernel.New(timebase.New(), topo, kernel.DefaultConfig())

	for i := 0; i < n; i++ {
		tags := domain.Tags{}
		nice := 0
		switch i {
		case 0:
			tags.IsGaming = true
		case 1:
			nice = 10
			tags.IsGaming = false
		}
		t := k.TaskCreate(nice, tags)
		t.ResidentBytes = 16 * 1024 * 1024
		if err := k.Schedule(t); err != nil {
			return fmt.Errorf("dump: schedule task %d: %w", t.ID, err)
		}
	}

	for _, fact := range topo.AllCPUs() {
		rq := k.RunQueue(fact.ID)
		if rq == nil {
			continue
		}
		ids := rq.Snapshot()
		gaming, frameCritical, input, audio := rq.GamingCounters()
		fmt.Fprintf(os.Stdout, "cpu %d (%s): %d ready, ids=%v\n", fact.ID, fact.Class, len(ids), ids)
		fmt.Fprintf(os.Stdout, "  gaming=%d frame_critical=%d input=%d audio=%d\n", gaming, frameCritical, input, audio)
	}

	var totalResident uint64
	for i := 0; i < n; i++ {
		totalResident += 16 * 1024 * 1024
	}
	fmt.Fprintf(os.Stdout, "total resident (demo tasks): %s\n", humanize.Bytes(totalResident))
	return nil
}
