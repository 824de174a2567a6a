package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhaobenny/haikugate/cli/internal/aggregator"
	"github.com/zhaobenny/haikugate/cli/internal/batch"
	cliconfig "github.com/zhaobenny/haikugate/cli/internal/config"
	"github.com/zhaobenny/haikugate/cli/internal/output"
	"github.com/zhaobenny/haikugate/cli/internal/remote"
	"github.com/zhaobenny/haikugate/internal/app"
	"github.com/zhaobenny/haikugate/internal/artifact"
	"github.com/zhaobenny/haikugate/internal/catalog"
	"github.com/zhaobenny/haikugate/internal/config"
	"github.com/zhaobenny/haikugate/internal/ledger"
	"github.com/zhaobenny/haikugate/internal/observability"
	"github.com/zhaobenny/haikugate/internal/orchestrator"
	"github.com/zhaobenny/haikugate/internal/pricing"
)

const version = "0.1.0"

func main() {
	args := os.Args[1:]
	command := "stats"
	if len(args) > 0 {
		switch {
		case args[0] == "-v" || args[0] == "--version":
			command = "version"
		case args[0] == "-h" || args[0] == "--help":
			command = "help"
		case !strings.HasPrefix(args[0], "-"):
			command, args = args[0], args[1:]
		}
	}

	switch command {
	case "generate":
		runGenerate(args)
	case "estimate":
		runEstimate(args)
	case "stats":
		runStats(args)
	case "export":
		runExport(args)
	case "import":
		runImport(args)
	case "remote":
		runRemote(args)
	case "version":
		fmt.Printf("haikugate version %s\n", version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `haikugate - generate and manage cached haikus

Usage: haikugate [command] [options]

Commands:
  generate   Generate missing haikus (bounded by the daily quota)
  estimate   Estimate the cost of generating missing haikus
  stats      Show collection statistics (default)
  export     Export haikus as JSON or CSV
  import     Merge an exported JSON document into the store
  remote     Talk to a haikugate server

Run 'haikugate <command> -h' for command options.

Examples:
  haikugate generate --limit 10 --lang fr,en
  haikugate estimate --all
  haikugate stats daily --since 20250101
  haikugate export --format csv --output haikus.csv
  haikugate remote config --server https://example.com --api-key hk_xxx
  haikugate remote generate q001 --lang en --force
`)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", a...)
	os.Exit(1)
}

// commonFlags are shared by every local command
type commonFlags struct {
	configPath string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", getEnv("HAIKUGATE_CONFIG", ""), "Path to YAML config file")
	fs.BoolVar(&c.verbose, "verbose", false, "Enable debug logging")
}

func (c *commonFlags) load() (*config.Config, *slog.Logger) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fatalf("%v", err)
	}
	level := cfg.Level()
	if c.verbose {
		level = slog.LevelDebug
	} else if level < slog.LevelWarn {
		// keep command output readable
		level = slog.LevelWarn
	}
	logger := observability.NewLogger(os.Stderr, level, false)
	slog.SetDefault(logger)
	return cfg, logger
}

// openStore opens the catalog and artifact store without a provider
func openStore(cfg *config.Config, logger *slog.Logger) (*catalog.Catalog, *artifact.Store) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		fatalf("load catalog: %v", err)
	}
	store, err := artifact.Open(cfg.StorePath, artifact.WithLogger(logger))
	if err != nil {
		fatalf("open store: %v", err)
	}
	return cat, store
}

// loadPricing returns the pricing table, refreshed from LiteLLM when online
func loadPricing(ctx context.Context, cfg *config.Config, online bool) pricing.Table {
	if !online {
		return cfg.PricingTable()
	}
	fetched, err := pricing.Fetch(ctx, nil, pricing.LiteLLMPricingURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: using embedded pricing (%v)\n", err)
		return cfg.PricingTable()
	}
	return pricing.Embedded().Merge(fetched).Merge(cfg.PricingOverrides())
}

func parseLanguages(s string) []string {
	var langs []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		lang := orchestrator.NormalizeLanguage(part)
		if !orchestrator.IsSupported(lang) {
			fatalf("unsupported language: %s", part)
		}
		if !seen[lang] {
			seen[lang] = true
			langs = append(langs, lang)
		}
	}
	if len(langs) == 0 {
		fatalf("no language given")
	}
	return langs
}

// planFlags select which jobs generate and estimate work on
type planFlags struct {
	langs  string
	limit  int
	all    bool
	online bool
}

func (p *planFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&p.langs, "lang", "fr,en", "Comma separated languages")
	fs.IntVar(&p.limit, "limit", 0, "Maximum number of haikus to generate (0 = no limit)")
	fs.BoolVar(&p.all, "all", false, "Regenerate every quote, not only missing ones")
	fs.BoolVar(&p.online, "online", false, "Fetch current pricing from LiteLLM")
}

func estimator(a *app.App, prices pricing.Table) batch.Estimator {
	if a.Client != nil {
		return a.Client
	}
	return batch.Heuristic{Pricing: prices, Model: a.Config.Provider.Model}
}

func runEstimate(args []string) {
	fs := flag.NewFlagSet("estimate", flag.ExitOnError)
	var common commonFlags
	var plan planFlags
	common.register(fs)
	plan.register(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

	cfg, logger := common.load()
	ctx := context.Background()
	prices := loadPricing(ctx, cfg, plan.online)

	a, err := app.Build(cfg, app.Deps{Logger: logger, Pricing: prices})
	if err != nil {
		fatalf("%v", err)
	}

	jobs := batch.Plan(a.Catalog.Items(), a.Store, parseLanguages(plan.langs), plan.all, plan.limit)
	est := batch.EstimateJobs(ctx, estimator(a, prices), jobs)
	if *jsonOut {
		output.WriteJSON(os.Stdout, est)
		return
	}
	if len(jobs) == 0 {
		fmt.Println("All haikus are already generated!")
		return
	}
	output.PrintEstimate(os.Stdout, est, cfg.Provider.Model)
}

func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	var common commonFlags
	var plan planFlags
	common.register(fs)
	plan.register(fs)
	var (
		concurrency int
		delay       time.Duration
		dryRun      bool
		yes         bool
		ignoreQuota bool
	)
	fs.IntVar(&concurrency, "concurrency", 1, "Parallel generation calls")
	fs.DurationVar(&delay, "delay", time.Second, "Minimum delay between calls")
	fs.BoolVar(&dryRun, "dry-run", false, "Show the plan and estimate without generating")
	fs.BoolVar(&yes, "y", false, "Do not ask for confirmation")
	fs.BoolVar(&ignoreQuota, "ignore-quota", false, "Do not charge the daily quota")
	fs.Parse(args)

	cfg, logger := common.load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	prices := loadPricing(ctx, cfg, plan.online)

	a, err := app.Build(cfg, app.Deps{Logger: logger, Pricing: prices})
	if err != nil {
		fatalf("%v", err)
	}
	if !dryRun && !a.Orchestrator.CanGenerate() {
		fatalf("no API key configured. Set HAIKUGATE_API_KEY or ANTHROPIC_API_KEY.")
	}

	mode := "missing only"
	if plan.all {
		mode = "regenerate all"
	}
	fmt.Printf("Model: %s\nMode: %s\n", cfg.Provider.Model, mode)

	jobs := batch.Plan(a.Catalog.Items(), a.Store, parseLanguages(plan.langs), plan.all, plan.limit)
	if len(jobs) == 0 {
		fmt.Println("All haikus are already generated!")
		return
	}
	fmt.Printf("Haikus to generate: %d\n\n", len(jobs))
	output.PrintEstimate(os.Stdout, batch.EstimateJobs(ctx, estimator(a, prices), jobs), cfg.Provider.Model)

	if dryRun {
		fmt.Println("Dry run - nothing generated.")
		return
	}
	if !yes && !confirm("Continue?") {
		fmt.Println("Cancelled.")
		return
	}

	var quota ledger.Set
	if !ignoreQuota {
		quota = a.Quota(app.Subjects{})
	}

	sum, err := batch.Run(ctx, batch.Options{
		Orchestrator: a.Orchestrator,
		Jobs:         jobs,
		Quota:        quota,
		Concurrency:  concurrency,
		Interval:     delay,
		OnResult: func(i int, job batch.Job, out *orchestrator.Outcome) {
			prefix := fmt.Sprintf("[%d/%d] %s (%s)", i+1, len(jobs), job.Source.ID, job.Language)
			switch out.State {
			case orchestrator.StateGenerated:
				first, _, _ := strings.Cut(out.Result.Text, "\n")
				fmt.Printf("%s ok: %s...\n", prefix, first)
			case orchestrator.StateDenied:
				fmt.Printf("%s denied: %s quota exhausted until %s\n", prefix, out.Decision.Window, out.Decision.ResetAt.Local().Format(time.Kitchen))
			default:
				fmt.Printf("%s failed: %s\n", prefix, out.Err.Message())
			}
		},
	})
	output.PrintSummary(os.Stdout, sum)
	if errors.Is(err, context.Canceled) {
		fmt.Println("Interrupted.")
	}
	if err := a.Store.Flush(); err != nil {
		fatalf("save store: %v", err)
	}
}

func confirm(question string) bool {
	if !output.IsTerminal() {
		fatalf("refusing to continue without a terminal; pass -y")
	}
	fmt.Printf("\n%s [y/N] ", question)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func runStats(args []string) {
	// stats [summary|daily|monthly|model|language] [options]
	view := "summary"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		view, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	var (
		since    string
		until    string
		timezone string
		lang     string
		jsonOut  bool
		compact  bool
	)
	fs.StringVar(&since, "since", "", "Start date filter (YYYYMMDD)")
	fs.StringVar(&until, "until", "", "End date filter (YYYYMMDD)")
	fs.StringVar(&timezone, "timezone", "", "Timezone for date grouping (e.g., Europe/Paris)")
	fs.StringVar(&lang, "lang", "", "Only count one language")
	fs.BoolVar(&jsonOut, "json", false, "Output as JSON")
	fs.BoolVar(&compact, "compact", false, "Force compact table output")
	fs.BoolVar(&compact, "c", false, "Force compact table output")
	fs.Parse(args)

	cfg, logger := common.load()
	cat, store := openStore(cfg, logger)

	if view == "summary" {
		if jsonOut {
			output.WriteJSON(os.Stdout, store.Stats())
			return
		}
		output.PrintStats(os.Stdout, store.Stats(), cat.Len())
		return
	}

	opts := aggregator.Options{Language: lang}
	if since != "" {
		t, err := time.Parse("20060102", since)
		if err != nil {
			fatalf("invalid --since date format. Use YYYYMMDD.")
		}
		opts.Since = t
	}
	if until != "" {
		t, err := time.Parse("20060102", until)
		if err != nil {
			fatalf("invalid --until date format. Use YYYYMMDD.")
		}
		// Include the entire day
		opts.Until = t.Add(24*time.Hour - time.Second)
	}
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			fatalf("invalid timezone: %s", timezone)
		}
		opts.Timezone = loc
	}

	records := aggregator.FilterRecords(aggregator.Records(store), opts)

	var rows []aggregator.Row
	var title string
	switch view {
	case "daily":
		rows, title = aggregator.ByDay(records, opts), "Date"
	case "monthly":
		rows, title = aggregator.ByMonth(records, opts), "Month"
	case "model":
		rows, title = aggregator.ByModel(records, opts), "Model"
	case "language":
		rows, title = aggregator.ByLanguage(records, opts), "Language"
	default:
		fatalf("unknown stats view: %s (summary, daily, monthly, model, language)", view)
	}

	total := aggregator.CalculateTotal(records)
	if jsonOut {
		output.PrintJSON(os.Stdout, rows, total)
		return
	}
	output.PrintRows(os.Stdout, rows, total, title, output.TableOptions{ForceCompact: compact})
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	format := fs.String("format", "json", "Export format: json or csv")
	out := fs.String("output", "", "Output file (default haikus_export.<format>)")
	fs.Parse(args)

	if *format != "json" && *format != "csv" {
		fatalf("unknown format %q", *format)
	}
	path := *out
	if path == "" {
		path = "haikus_export." + *format
	}

	cfg, logger := common.load()
	cat, store := openStore(cfg, logger)

	f, err := os.Create(path)
	if err != nil {
		fatalf("%v", err)
	}
	defer f.Close()

	switch *format {
	case "csv":
		n, err := output.WriteCSV(f, cat.Items(), store)
		if err != nil {
			fatalf("write csv: %v", err)
		}
		fmt.Printf("CSV export created: %s (%d quotes)\n", path, n)
	default:
		blob, err := store.ExportAll()
		if err != nil {
			fatalf("export: %v", err)
		}
		if _, err := f.Write(blob); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("JSON export created: %s\n", path)
	}
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: haikugate import [options] <file.json>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	blob, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}

	cfg, logger := common.load()
	_, store := openStore(cfg, logger)
	n, err := store.ImportAll(blob)
	if err != nil {
		fatalf("import %s: %v", filepath.Base(fs.Arg(0)), err)
	}
	fmt.Printf("Imported %d haikus.\n", n)
}

func runRemote(args []string) {
	sub := ""
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "config":
		runRemoteConfig(args)
		return
	case "generate", "status", "export":
	default:
		fmt.Fprintf(os.Stderr, `Usage: haikugate remote <command> [options]

Commands:
  config     Configure the server URL and API key
  generate   Get a haiku for a quote from the server
  status     Show the remaining generation quota
  export     Download the server's haiku document
`)
		os.Exit(1)
	}

	cfg, err := cliconfig.Load()
	if err != nil {
		fatalf("loading config: %v", err)
	}
	if !cfg.Configured() {
		fatalf("not configured. Run 'haikugate remote config --server <url> --api-key <key>' first.")
	}
	client := remote.NewClient(cfg)
	ctx := context.Background()

	switch sub {
	case "generate":
		fs := flag.NewFlagSet("remote generate", flag.ExitOnError)
		lang := fs.String("lang", cfg.Language, "Language")
		force := fs.Bool("force", false, "Generate a new haiku (uses quota)")
		explain := fs.Bool("explain", false, "Explain degraded responses")
		fs.Parse(args)
		if fs.NArg() != 1 {
			fatalf("usage: haikugate remote generate [options] <source_id>")
		}

		resp, err := client.Generate(ctx, remote.GenerateRequest{SourceID: fs.Arg(0), ForceNew: *force, Explain: *explain}, *lang)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(resp.Text)
		fmt.Printf("\n(%s, %s, %s)\n", resp.Provenance, resp.Language, resp.Model)
		if resp.Degraded {
			fmt.Println("Generation failed; served a stored or fallback haiku.")
			if resp.Message != "" {
				fmt.Println(resp.Message)
			}
		}
		if resp.Remaining != nil && *resp.Remaining >= 0 {
			fmt.Printf("Remaining generations: %d\n", *resp.Remaining)
		}

	case "status":
		q, err := client.RateLimit(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if q.Remaining < 0 {
			fmt.Println("Quota: unlimited")
			return
		}
		fmt.Printf("Quota (%s): %d/%d remaining\n", q.Window, q.Remaining, q.Limit)
		if q.ResetAt != nil {
			fmt.Printf("Resets at: %s\n", q.ResetAt.Local().Format(time.RFC1123))
		}

	case "export":
		fs := flag.NewFlagSet("remote export", flag.ExitOnError)
		out := fs.String("output", "haikus_remote.json", "Output file")
		fs.Parse(args)

		blob, err := client.Export(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if err := os.WriteFile(*out, blob, 0644); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Saved %s\n", *out)
	}
}

func runRemoteConfig(args []string) {
	fs := flag.NewFlagSet("remote config", flag.ExitOnError)
	var (
		server string
		apiKey string
		lang   string
		show   bool
	)
	fs.StringVar(&server, "server", "", "Server URL")
	fs.StringVar(&apiKey, "api-key", "", "API key for authentication")
	fs.StringVar(&lang, "lang", "", "Default language")
	fs.BoolVar(&show, "show", false, "Show current configuration")
	fs.Parse(args)

	cfg, err := cliconfig.Load()
	if err != nil {
		fatalf("loading config: %v", err)
	}

	if show {
		if cfg.Server == "" {
			fmt.Println("No configuration found. Run 'haikugate remote config --server <url> --api-key <key>' to configure.")
			return
		}
		fmt.Printf("Server: %s\n", cfg.Server)
		if len(cfg.APIKey) > 14 {
			fmt.Printf("API Key: %s...%s\n", cfg.APIKey[:10], cfg.APIKey[len(cfg.APIKey)-4:])
		}
		if cfg.ClientID != "" {
			fmt.Printf("Client ID: %s\n", cfg.ClientID)
		}
		if cfg.Language != "" {
			fmt.Printf("Language: %s\n", cfg.Language)
		}
		return
	}

	if server == "" && apiKey == "" && lang == "" {
		fs.Usage()
		return
	}
	if server != "" {
		cfg.Server = strings.TrimRight(server, "/")
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if lang != "" {
		cfg.Language = orchestrator.NormalizeLanguage(lang)
	}

	if err := cliconfig.Save(cfg); err != nil {
		fatalf("saving config: %v", err)
	}
	fmt.Println("Configuration saved.")
}
