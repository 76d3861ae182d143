package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tickerflow/internal/metrics"
	"tickerflow/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect all tickers once",
	Long: `Runs a single collection. If a previous run left a checkpoint, the run
resumes from it instead of starting over.`,
	RunE: runOnce,
}

var showSummary bool

func init() {
	runCmd.Flags().BoolVar(&showSummary, "summary", false, "print the metrics emitted during the run")
	rootCmd.AddCommand(runCmd)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	startObservability(ctx, cfg)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var tally *metrics.Tally
	if showSummary {
		tally = metrics.NewTally()
		id := metrics.RegisterMetricHandler(tally.Handle)
		defer metrics.UnregisterMetricHandler(id)
	}

	res, err := a.driver.Run(ctx)
	if res != nil {
		printResult(cmd, res)
	}
	if tally != nil {
		for _, line := range tally.Lines() {
			cmd.Println("  " + line)
		}
	}
	return err
}

func printResult(cmd *cobra.Command, res *pipeline.Result) {
	cmd.Printf("run %s finished in state %s: %d records, %d pages, %d retries, %d rate limits, resumed=%t (%s)\n",
		res.RunID, res.State, res.Records, res.Pages, res.Retries, res.RateLimited, res.Resumed, res.Duration.Round(time.Millisecond))
}
