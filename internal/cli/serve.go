package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/gamesched/internal/adminapi"
	"github.com/tutu-network/gamesched/internal/config"
	"github.com/tutu-network/gamesched/internal/domain"
	"github.com/tutu-network/gamesched/internal/framehook"
	"github.com/tutu-network/gamesched/internal/kernel"
	"github.com/tutu-network/gamesched/internal/placement"
	"github.com/tutu-network/gamesched/internal/runqueue"
	"github.com/tutu-network/gamesched/internal/store"
	"github.com/tutu-network/gamesched/internal/timebase"
	"github.com/tutu-network/gamesched/internal/topology"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the scheduling core and its admin HTTP surface",
	Long: `serve builds the topology map from the host's CPU count, wires
up the kernel (run-queues, placement engine, dependency graph, wait-
words, frame-deadline hook), and serves /healthz, /metrics, and the
/debug endpoints until interrupted.`,
	RunE: runServe,
}

// detectTopology builds a topology.Map from the host's logical CPU
// count, splitting it performance/efficiency the way a hybrid chip
// would (first half performance, remainder efficiency) absent any
// real platform-enumeration collaborator to ask.
func detectTopology() *topology.Map {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	facts := make([]domain.CPUFact, n)
	for i := 0; i < n; i++ {
		class := domain.ClassPerformance
		if i >= (n+1)/2 {
			class = domain.ClassEfficiency
		}
		facts[i] = domain.CPUFact{
			ID:               i,
			Class:            class,
			NUMANode:         0,
			EfficiencyRating: 0.5,
		}
	}
	return topology.NewMap(facts, nil)
}

func kernelConfigFrom(cfg config.Config) kernel.Config {
	kc := kernel.DefaultConfig()
	kc.RunQueue = runqueue.Config{
		SliceMin:       cfg.RunQueue.SliceMinNS(),
		SliceMax:       cfg.RunQueue.SliceMaxNS(),
		BurstPenaltyOn: cfg.RunQueue.BurstPenaltyOn,
	}
	kc.Placement = placement.Config{
		MigrationGapPct:         cfg.Placement.MigrationGapPct,
		MigrationGapPctGaming:   cfg.Placement.MigrationGapPctGaming,
		MigrationCooldown:       config.ParseDuration(cfg.Placement.MigrationCooldown, 10*time.Second),
		MigrationCooldownGaming: config.ParseDuration(cfg.Placement.MigrationCooldownGaming, 5*time.Second),
		RebalancePeriod:         cfg.Placement.RebalancePeriod(),
		RebalancePeriodGaming:   cfg.Placement.RebalancePeriodGaming(),
		RebalanceLoadThreshold:  cfg.Placement.RebalanceLoadThreshold,
	}
	kc.Framehook = framehook.Config{
		MinFPS:       cfg.Framehook.MinFPS,
		MaxFPS:       cfg.Framehook.MaxFPS,
		StepFPS:      cfg.Framehook.StepFPS,
		StepInterval: time.Duration(cfg.Framehook.StepIntervalMS * float64(time.Millisecond)),
	}
	return kc
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if path := loadedConfigPath(cmd); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer db.Close()

	clk := timebase.New()
	topo := detectTopology()
	k := kernel.New(clk, topo, kernelConfigFrom(cfg))

	admin := adminapi.NewServer(k)
	admin.EnableMetrics()
	httpSrv := &http.Server{Addr: cfg.Admin.Addr(), Handler: admin.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("admin surface listening", "addr", cfg.Admin.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin surface stopped", "err", err)
		}
	}()

	tickPeriod := time.Duration(cfg.RunQueue.SliceMinNS())
	if tickPeriod <= 0 {
		tickPeriod = time.Millisecond
	}
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	snapshotEvery := config.ParseDuration(cfg.Store.SnapshotEvery, 5*time.Second)
	snapshotTicker := time.NewTicker(snapshotEvery)
	defer snapshotTicker.Stop()

	slog.Info("scheduling core booted", "cpus", topo.CPUCount())

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
			slog.Info("scheduling core halted")
			return nil
		case <-ticker.C:
			if err := k.Tick(ctx); err != nil {
				slog.Error("tick failed", "err", err)
			}
		case <-snapshotTicker.C:
			// The monotonic counters themselves live in the Prometheus
			// registry (internal/metrics), scraped over /metrics. This
			// periodic row is written from a zero-valued Snapshot: no
			// kernel counters are copied into it, so each row carries
			// zero counters and its insertion time only.
			snap := store.Snapshot{}
			if err := db.InsertSnapshot(snap); err != nil {
				slog.Error("snapshot insert failed", "err", err)
			}
		}
	}
}
