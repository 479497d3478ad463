package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/llmack/gmail-declutterer/internal/analysis"
	"github.com/llmack/gmail-declutterer/internal/classify"
	"github.com/llmack/gmail-declutterer/internal/config"
	"github.com/llmack/gmail-declutterer/internal/credential"
	"github.com/llmack/gmail-declutterer/internal/declutter"
	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/httpapi"
	"github.com/llmack/gmail-declutterer/internal/log"
	"github.com/llmack/gmail-declutterer/internal/model"
	"github.com/llmack/gmail-declutterer/internal/reconcile"
	"github.com/llmack/gmail-declutterer/internal/store"
	"github.com/llmack/gmail-declutterer/internal/tui"
	"github.com/llmack/gmail-declutterer/internal/worker"

	tea "github.com/charmbracelet/bubbletea"
	gmailv1 "google.golang.org/api/gmail/v1"
)

const usage = `usage: declutter [-config DIR] [-log-level LEVEL] [command]

commands:
  tui       interactive terminal UI (default)
  serve     HTTP API and automation rule worker
  history   print the deletion log
`

func main() {
	configDir := flag.String("config", config.DefaultDir(), "configuration directory")
	logLevel := flag.String("log-level", "", "log level override")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		fail("Cannot load .env: %v", err)
	}
	cfg, err := config.Load(*configDir)
	if err != nil {
		fail("Cannot load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	cmd := "tui"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	switch cmd {
	case "tui":
		err = runTUI(cfg)
	case "serve":
		err = runServe(cfg)
	case "history":
		err = runHistory(cfg, flag.Args()[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fail("Error: %v", err)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func serviceOptions(cfg *config.Config) gmail.ServiceOptions {
	return gmail.ServiceOptions{
		RequestsPerSecond: cfg.Gmail.RequestsPerSecond,
		Burst:             cfg.Gmail.Burst,
		CallTimeout:       cfg.Gmail.CallTimeout,
	}
}

// newEngine wires the scan pipeline, the executor and the local state around
// one provider adapter.
func newEngine(ctx context.Context, cfg *config.Config, svc *gmail.Service, db *store.SQLiteStore) (*declutter.Service, error) {
	agg := analysis.NewAggregator(
		gmail.NewPager(svc, cfg.Gmail.PageSize),
		gmail.NewFetcher(svc),
		classify.New(),
		analysis.Options{
			TotalLimit:       cfg.Gmail.TotalLimit,
			FetchConcurrency: cfg.Gmail.FetchConcurrency,
			SampleSize:       cfg.Gmail.SampleSize,
		},
	)
	state := reconcile.New(db)
	if err := state.Load(ctx); err != nil {
		return nil, err
	}
	return declutter.New(declutter.Deps{
		Analyzer:   agg,
		Trasher:    gmail.NewExecutor(svc, db),
		Counter:    svc,
		State:      state,
		Store:      db,
		SampleSize: cfg.Gmail.SampleSize,
	}), nil
}

func runTUI(cfg *config.Config) error {
	// Logs go to a file so they do not corrupt the alt screen.
	logFile, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	log.InitLogging(cfg.Log.Level, logFile)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer db.Close()

	tokens := credential.Open(cfg.Dir, cfg.Auth.UseKeyring)
	factory := func(raw *gmailv1.Service) (tui.Engine, error) {
		engine, err := newEngine(context.Background(), cfg, gmail.NewService(raw, serviceOptions(cfg)), db)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}

	appModel := tui.NewAppModel(factory, tokens, cfg.Dir)
	p := tea.NewProgram(&appModel, tea.WithAltScreen())
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("alas, there's been an error: %w", err)
	}
	if m, ok := finalModel.(*tui.AppModel); ok && m.Err != nil {
		return m.Err
	}
	return nil
}

func runServe(cfg *config.Config) error {
	log.InitLogging(cfg.Log.Level, os.Stderr)
	l := log.Logger(log.LOG_MAIN)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer db.Close()

	engine, err := newEngine(ctx, cfg, gmail.NewBearerService(serviceOptions(cfg)), db)
	if err != nil {
		return err
	}

	tokens := credential.Open(cfg.Dir, cfg.Auth.UseKeyring)
	authorize := func(ctx context.Context) (context.Context, error) {
		oauthCfg, err := gmail.LoadOAuthConfig(cfg.Dir)
		if err != nil {
			return nil, err
		}
		tok, err := gmail.StoredToken(ctx, oauthCfg, tokens)
		if err != nil {
			return nil, err
		}
		return gmail.WithToken(ctx, tok), nil
	}
	go worker.NewRuleWorker(engine, cfg.Rules.CheckInterval, authorize).Start(ctx)

	srv := httpapi.New(engine, httpapi.Options{
		AllowOrigins:   cfg.Server.AllowOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	errc := make(chan error, 1)
	go func() { errc <- srv.Listen(cfg.Server.Addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	l.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runHistory(cfg *config.Config, args []string) error {
	log.InitLogging(cfg.Log.Level, os.Stderr)

	fs := flag.NewFlagSet("history", flag.ExitOnError)
	days := fs.Int("days", 30, "window in days, 0 for everything")
	category := fs.String("category", "", "only this category")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := declutter.HistoryQuery{Days: *days}
	if *category != "" {
		cat, err := model.ParseCategory(*category)
		if err != nil {
			return err
		}
		q.Category = cat
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer db.Close()

	h, err := declutter.New(declutter.Deps{Store: db}).History(context.Background(), q)
	if err != nil {
		return err
	}
	if len(h.Records) == 0 {
		fmt.Println("No deletions recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCATEGORY\tCOUNT\tSENDER\tTRASH")
	for _, r := range h.Records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04"), r.Category, r.Count, r.SenderEmail, r.TrashSearchURL())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d messages deleted.\n", h.TotalDeleted)
	return nil
}
