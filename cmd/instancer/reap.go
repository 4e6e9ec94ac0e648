package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/reaper"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove expired instances",
	Long: `Run the reaper without the API. With --once a single cycle is run and
its outcome printed; the exit status is non-zero if an expired instance
could not be removed.`,
	RunE: runReap,
}

func init() {
	reapCmd.Flags().Bool("once", false, "Run a single cycle and exit")
}

func runReap(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStack(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	rp := reaper.NewReaper(st.prov, nil, cfg.ReaperConfig())

	if !once {
		logger := log.WithComponent("reaper")
		logger.Info().Dur("interval", cfg.Reaper.Interval).Msg("Reaper running")
		rp.Start()
		<-ctx.Done()
		rp.Stop()
		return nil
	}

	res, err := rp.RunOnce(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Instances seen:  %d\n", res.Groups)
	fmt.Printf("Expired:         %d\n", res.Expired)
	fmt.Printf("Removed:         %d\n", res.Reaped)
	for _, e := range res.Errors {
		fmt.Printf("  ✗ %v\n", e)
	}
	if res.Lingering > 0 {
		return fmt.Errorf("%d expired instances could not be removed", res.Lingering)
	}
	return nil
}
