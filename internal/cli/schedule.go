package cli

import (
	"github.com/spf13/cobra"

	"tickerflow/internal/metrics"
	"tickerflow/internal/scheduler"
	"tickerflow/logger"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Repeat the collection at the configured interval",
	RunE:  runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	startObservability(ctx, cfg)

	if cfg.Metrics.Prometheus.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Prometheus.Listen); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("prometheus endpoint failed")
			}
		}()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return scheduler.New(a.driver, cfg.Scheduler).Start(ctx)
}
