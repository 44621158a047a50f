package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/colloquy/internal/assess"
	"github.com/MrWong99/colloquy/internal/config"
	"github.com/MrWong99/colloquy/internal/dialogue"
	"github.com/MrWong99/colloquy/internal/health"
	"github.com/MrWong99/colloquy/internal/observe"
	"github.com/MrWong99/colloquy/internal/pipeline"
	"github.com/MrWong99/colloquy/internal/pool"
	"github.com/MrWong99/colloquy/internal/rating"
	"github.com/MrWong99/colloquy/internal/resultstore"
	"github.com/MrWong99/colloquy/internal/resultstore/jsonl"
	"github.com/MrWong99/colloquy/internal/resultstore/postgres"
	"github.com/MrWong99/colloquy/internal/resultstore/redis"
)

// shutdownTimeout bounds flushing sinks and stopping the listener.
const shutdownTimeout = 15 * time.Second

type runFlags struct {
	samples int
	out     string
	listen  string
}

func newRunCommand(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the samples of a preset and print a summary",
		Long: `Run simulates basic.samples conversations (or --samples), at most
basic.concurrencyLimit at a time. Every outcome is written to the configured
stores as soon as its sample ends. SIGINT or SIGTERM aborts running samples;
queued samples are reported as aborted without running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if f.samples > 0 {
				cfg.Basic.Samples = f.samples
			}
			if f.out != "" {
				cfg.Storage.JSONLPath = f.out
			}
			if f.listen != "" {
				cfg.Server.ListenAddr = f.listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSamples(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&f.samples, "samples", "n", 0, "number of samples (overrides basic.samples)")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "JSON-lines output file, .zst for compression (overrides storage.jsonl_path)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "metrics and health listen address (overrides server.listen_addr)")
	return cmd
}

func runSamples(ctx context.Context, cfg *config.Config, out io.Writer) (err error) {
	tel, err := observe.Setup(ctx, observe.WithServiceVersion(version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := tel.Shutdown(sctx); serr != nil {
			slog.Warn("telemetry shutdown", "err", serr)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers := newStageProviders(cfg, reg)

	dialogueLLM, err := providers.build("dialogue", cfg.Dialogue)
	if err != nil {
		return err
	}
	evalLLM, err := providers.build("evaluation", cfg.Evaluation.ModelConfig)
	if err != nil {
		return err
	}

	gen := dialogue.New(dialogueLLM,
		dialogue.WithParams(dialogue.Params{
			Temperature: cfg.Dialogue.Temperature,
			TopP:        cfg.Dialogue.TopP,
			MaxTokens:   cfg.Dialogue.MaxTokens,
		}),
		dialogue.WithProviderName(cfg.Dialogue.Provider),
		dialogue.WithMetrics(metrics),
	)
	asr := assess.New(evalLLM,
		assess.WithParams(assess.Params{
			Temperature: cfg.Evaluation.Temperature,
			TopP:        cfg.Evaluation.TopP,
			MaxTokens:   cfg.Evaluation.MaxTokens,
		}),
		assess.WithProviderName(cfg.Evaluation.Provider),
		assess.WithMetrics(metrics),
	)
	eng := rating.New(evalLLM,
		rating.WithParams(rating.Params{
			Temperature: cfg.Evaluation.Temperature,
			TopP:        cfg.Evaluation.TopP,
			MaxTokens:   cfg.Evaluation.MaxTokens,
		}),
		rating.WithProviderName(cfg.Evaluation.Provider),
		rating.WithMaxParallel(cfg.Evaluation.MaxParallel),
		rating.WithMetrics(metrics),
	)

	inputs, err := cfg.Inputs()
	if err != nil {
		return err
	}

	// ── Stores ────────────────────────────────────────────────────────────────
	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stores.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	// ── Metrics and health listener ───────────────────────────────────────────
	probes := health.New(providers.checks...)
	for _, s := range stores.Stores() {
		if c, ok := s.Store.(resultstore.Checker); ok {
			probes.Add(health.Checker{Name: "store/" + s.Name, Check: c.Check})
		}
	}
	if cfg.Server.ListenAddr != "" {
		stopServer, err := serve(cfg.Server.ListenAddr, probes, tel, metrics)
		if err != nil {
			return err
		}
		defer stopServer()
	}

	// ── Pool ──────────────────────────────────────────────────────────────────
	p, err := pool.New(cfg.Basic.ConcurrencyLimit, func(pool.Submission) *pipeline.Orchestrator {
		return pipeline.New(gen, asr, eng, pipeline.WithMetrics(metrics))
	}, pool.WithMetrics(metrics))
	if err != nil {
		return err
	}

	model := cfg.Dialogue.Model
	if entry, ok := cfg.StageProvider(cfg.Dialogue); ok {
		model = entry.Model
	}
	subs := make([]pool.Submission, cfg.Basic.Samples)
	for i := range subs {
		subs[i] = pool.Submission{Model: model, Inputs: inputs}
	}

	printStartupSummary(out, cfg)
	slog.Info("run started",
		"samples", len(subs),
		"concurrency_limit", p.Limit(),
		"stores", stores.Len(),
	)

	go func() {
		<-ctx.Done()
		probes.SetDraining()
	}()

	outcomes := make([]pool.Outcome, 0, len(subs))
	for o := range p.Run(ctx, subs) {
		outcomes = append(outcomes, o)
		log := slog.With("sample", o.SampleID, "status", o.Status, "done", len(outcomes), "of", len(subs))
		if o.FinalScore != nil {
			log = log.With("score", *o.FinalScore)
		}
		if o.Error != "" {
			log.Warn("sample finished", "err", o.Error)
		} else {
			log.Info("sample finished")
		}
		// Outcomes are persisted even after cancellation.
		if serr := stores.Save(context.WithoutCancel(ctx), o); serr != nil {
			slog.Error("save outcome", "sample", o.SampleID, "err", serr)
		}
	}

	printSummary(out, pool.Summarize(outcomes))
	if ctx.Err() != nil {
		slog.Info("run interrupted", "cause", context.Cause(ctx))
	}
	return nil
}

// openStores opens every configured sink. Already-opened sinks are closed
// when a later one fails.
func openStores(ctx context.Context, st config.StorageConfig) (*resultstore.Multi, error) {
	var named []resultstore.Named
	fail := func(err error) (*resultstore.Multi, error) {
		_ = resultstore.NewMulti(named...).Close()
		return nil, err
	}

	if st.JSONLPath != "" {
		s, err := jsonl.Open(st.JSONLPath)
		if err != nil {
			return fail(err)
		}
		named = append(named, resultstore.Named{Name: "jsonl", Store: s})
		slog.Info("store opened", "kind", "jsonl", "path", st.JSONLPath)
	}
	if st.PostgresDSN != "" {
		s, err := postgres.NewStore(ctx, st.PostgresDSN)
		if err != nil {
			return fail(err)
		}
		named = append(named, resultstore.Named{Name: "postgres", Store: s})
		slog.Info("store opened", "kind", "postgres")
	}
	if st.Redis.Addr != "" {
		s, err := redis.New(ctx, redisOptions(st.Redis))
		if err != nil {
			return fail(err)
		}
		named = append(named, resultstore.Named{Name: "redis", Store: s})
		slog.Info("store opened", "kind", "redis", "addr", st.Redis.Addr, "stream", st.Redis.Stream, "max_len", st.Redis.MaxLen)
	}
	return resultstore.NewMulti(named...), nil
}

func redisOptions(rc config.RedisConfig) redis.Options {
	return redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		Stream:   rc.Stream,
		MaxLen:   rc.MaxLen,
	}
}

// serve starts the metrics and health listener and returns a function that
// stops it.
func serve(addr string, probes *health.Handler, tel *observe.Telemetry, metrics *observe.Metrics) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", tel.MetricsHandler)
	probes.Register(mux)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener", "err", err)
		}
	}()
	slog.Info("metrics and health listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("metrics listener shutdown", "err", err)
		}
	}, nil
}

// ── Summaries ─────────────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        colloquy  startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printStage(w, cfg, "Dialogue", cfg.Dialogue)
	printStage(w, cfg, "Evaluation", cfg.Evaluation.ModelConfig)
	printRow(w, "End condition", endConditionLabel(cfg.Basic.EndCondition))
	printRow(w, "Samples", fmt.Sprint(cfg.Basic.Samples))
	printRow(w, "Concurrency", fmt.Sprint(cfg.Basic.ConcurrencyLimit))
	printRow(w, "Experts", fmt.Sprint(len(cfg.Experts)))
	printRow(w, "Mistakes", fmt.Sprint(len(cfg.Mistakes)))
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printStage(w io.Writer, cfg *config.Config, label string, m config.ModelConfig) {
	value := m.Provider
	if entry, ok := cfg.StageProvider(m); ok && entry.Model != "" {
		value = m.Provider + " / " + entry.Model
	}
	printRow(w, label, value)
}

func printRow(w io.Writer, label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", label, value)
}

func endConditionLabel(ec config.EndCondition) string {
	p, err := ec.Policy()
	if err != nil {
		return "(invalid)"
	}
	return p.String()
}

func printSummary(w io.Writer, s pool.Summary) {
	fmt.Fprintf(w, "\n%d samples: %d completed, %d aborted, %d error\n", s.Total, s.Completed, s.Aborted, s.Errored)
	if s.Scored > 0 {
		fmt.Fprintf(w, "mean final score: %.2f over %d rated samples\n", s.MeanScore, s.Scored)
	} else {
		fmt.Fprintln(w, "mean final score: n/a (no sample was rated)")
	}
	fmt.Fprint(w, "defects:")
	for _, sev := range assess.Severities() {
		fmt.Fprintf(w, " %s=%d", sev, s.Defects[sev])
	}
	fmt.Fprintln(w)
}
