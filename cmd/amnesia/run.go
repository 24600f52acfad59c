package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/amnesia/internal/compliance"
	"github.com/dreamware/amnesia/internal/config"
	"github.com/dreamware/amnesia/internal/coordinator"
	"github.com/dreamware/amnesia/internal/dataset"
	"github.com/dreamware/amnesia/internal/errs"
	"github.com/dreamware/amnesia/internal/storage"
)

type runOptions struct {
	erase         []string
	eraseCount    int
	strategy      string
	output        string
	metricsAddr   string
	serve         bool
	restore       bool
	checkInterval time.Duration
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Train the sharded ensemble and erase records from it",
		Long: `Run generates the configured dataset, trains one model per shard and
then erases the requested records with the configured strategy. Every
verified erasure is recorded in the compliance ledger.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runErasure(ctx, a, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&opts.erase, "erase", nil, "data ids to erase, e.g. data_3,data_17")
	cmd.Flags().IntVar(&opts.eraseCount, "erase-count", 0, "erase this many randomly chosen records when --erase is empty")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "erasure strategy: retrain or unlearn (default: erasure.strategy)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics, /health, /shards and /predict on this address")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "keep serving after the erasure until interrupted")
	cmd.Flags().BoolVar(&opts.restore, "restore", false, "reload persisted shard models instead of training when present")
	cmd.Flags().DurationVar(&opts.checkInterval, "check-interval", 10*time.Second, "shard health check interval")
	return cmd
}

func runErasure(ctx context.Context, a *app, opts *runOptions, out io.Writer) error {
	cfg, logger := a.cfg, a.logger
	switch opts.output {
	case "text", "json":
	default:
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	strategy, err := coordinator.ParseStrategy(firstNonEmpty(opts.strategy, cfg.Erasure.Strategy))
	if err != nil {
		return err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := compliance.OpenLedger(cfg.Ledger.Path, logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	manager, err := coordinator.NewManager(cfg.ManagerConfig(), storage.NewArtifacts(store), logger)
	if err != nil {
		return err
	}
	pipeline, err := coordinator.NewPipeline(manager, coordinator.NewAggregator(), ledger, cfg.PipelineConfig(), logger)
	if err != nil {
		return err
	}

	ds, err := dataset.Blobs(cfg.Dataset)
	if err != nil {
		return err
	}
	ids := dataset.DataIDs(ds.Len())

	restored := 0
	if opts.restore {
		restored, err = pipeline.Restore(ctx)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			logger.Info("no persisted index, training from scratch")
			restored = 0
		case err != nil:
			logger.Warn("restore failed, training from scratch", zap.Error(err))
			restored = 0
		}
	}
	if restored == 0 {
		summaries, err := pipeline.Train(ctx, ds, ids)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			logger.Info("shard trained",
				zap.Int("shard", s.ShardIndex),
				zap.Int("samples", s.Samples),
				zap.Float64("accuracy", s.Accuracy),
				zap.Duration("duration", s.Duration))
		}
	} else {
		logger.Info("restored shard models", zap.Int("shards", restored))
	}

	monitor := pipeline.NewMonitor(opts.checkInterval)
	go monitor.Start(ctx, coordinator.Targets(pipeline.Aggregator()))
	defer monitor.Stop()

	srvCtx, stopServer := context.WithCancel(ctx)
	srvErr := make(chan error, 1)
	if opts.metricsAddr != "" {
		srv := &server{pipeline: pipeline, monitor: monitor, logger: logger}
		go func() { srvErr <- srv.listen(srvCtx, opts.metricsAddr) }()
	} else {
		close(srvErr)
	}
	defer func() {
		stopServer()
		if err := <-srvErr; err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	targets := opts.erase
	if len(targets) == 0 && opts.eraseCount > 0 {
		targets = pickIDs(ids, opts.eraseCount, cfg.Sharding.Seed)
	}
	if len(targets) > 0 {
		report, err := pipeline.Erase(ctx, ds, targets, strategy)
		if err != nil {
			return err
		}
		if err := printReport(out, report, opts.output); err != nil {
			return err
		}
	}

	if opts.serve {
		logger.Info("serving until interrupted")
		<-ctx.Done()
	}
	return nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.Storage.Backend == config.BackendBadger {
		s, err := storage.OpenBadger(cfg.Storage.Badger, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return storage.NewMemoryStore(), nil
}

// pickIDs draws n distinct ids with a seeded generator.
func pickIDs(ids []string, n int, seed int64) []string {
	if n > len(ids) {
		n = len(ids)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(len(ids))[:n]
	slices.Sort(perm)
	out := make([]string, n)
	for i, p := range perm {
		out[i] = ids[p]
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func printReport(w io.Writer, report coordinator.ErasureReport, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "strategy:\t%s\n", report.Strategy)
	fmt.Fprintf(tw, "erased:\t%d of %d requested\n", len(report.Erased), len(report.Requested))
	if len(report.NotFound) > 0 {
		fmt.Fprintf(tw, "not found:\t%v\n", report.NotFound)
	}
	fmt.Fprintf(tw, "forget confidence:\t%.4f -> %.4f\n", report.ForgetConfidenceBefore, report.Verification.ForgetMeanConfidence)
	fmt.Fprintf(tw, "retain accuracy:\t%.4f\n", report.Verification.RetainAccuracy)
	fmt.Fprintf(tw, "verified:\t%t\n", report.Verification.Success)
	fmt.Fprintf(tw, "duration:\t%s\n", report.Duration.Round(time.Millisecond))
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD\tOUTCOME\tERASED\tREMAINING\tVERIFIED")
	for _, o := range report.Shards {
		verified := "-"
		if o.Verification != nil {
			verified = fmt.Sprint(o.Verification.Success)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", o.ShardIndex, o.Outcome, o.Erased, o.Remaining, verified)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if report.Record != nil {
		fmt.Fprintf(w, "\ncertificate: %s\n", report.Record.CertificateID)
	} else {
		fmt.Fprintln(w, "\nno certificate issued")
	}
	return nil
}
