package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"

	"github.com/username/cryptotaxreports/src/app"
	"github.com/username/cryptotaxreports/src/artifacts"
	"github.com/username/cryptotaxreports/src/compiler"
	"github.com/username/cryptotaxreports/src/config"
	"github.com/username/cryptotaxreports/src/database"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security"
	"github.com/username/cryptotaxreports/src/services"
	"github.com/username/cryptotaxreports/src/store"
)

func setup() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
}

type generateCmd struct {
	source   string
	file     string
	year     int
	form     string
	method   string
	format   string
	name     string
	taxID    string
	out      string
	overview bool
}

func (*generateCmd) Name() string     { return "generate" }
func (*generateCmd) Synopsis() string { return "generate a report from a local file" }
func (*generateCmd) Usage() string {
	return `reportctl generate -source csv|manual -file <path> -year <year> [-type model-100] [-method fifo] [-format md]

  Runs the whole pipeline in-process against an in-memory store and prints
  the artifact. Markdown is rendered for the terminal. A manual file holds
  {"entries": [...]}.
`
}

func (c *generateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.source, "source", "csv", "data source of -file (csv, manual)")
	f.StringVar(&c.file, "file", "", "transaction export or manual entries file")
	f.IntVar(&c.year, "year", time.Now().Year()-1, "fiscal year")
	f.StringVar(&c.form, "type", string(models.ReportModel100), "form (model-100, model-720, model-714)")
	f.StringVar(&c.method, "method", "", "cost basis method (fifo, lifo)")
	f.StringVar(&c.format, "format", "md", "artifact format (md, csv, json, html)")
	f.StringVar(&c.name, "name", "Taxpayer", "taxpayer name printed on the report")
	f.StringVar(&c.taxID, "tax-id", "00000000T", "taxpayer tax id printed on the report")
	f.StringVar(&c.out, "o", "", "write the artifact to this file instead of stdout")
	f.BoolVar(&c.overview, "summary", false, "print the run summary after the artifact")
}

func (c *generateCmd) input() (services.ReportInput, error) {
	in := services.ReportInput{
		ReportType: c.form,
		FiscalYear: c.year,
		Method:     c.method,
		Formats:    []string{c.format},
		Taxpayer:   models.Taxpayer{Name: c.name, TaxID: c.taxID},
	}
	data, err := os.ReadFile(c.file)
	if err != nil {
		return in, err
	}
	var payload interface{}
	switch c.source {
	case "csv":
		payload = models.CSVPayload{Filename: filepath.Base(c.file), Content: string(data), Size: int64(len(data))}
	case "manual":
		var manual models.ManualPayload
		if err := json.Unmarshal(data, &manual); err != nil {
			return in, fmt.Errorf("%s is not a manual entries file: %w", c.file, err)
		}
		payload = manual
	default:
		return in, fmt.Errorf("unsupported source %q", c.source)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return in, err
	}
	in.SourceInput = services.SourceInput{DataSource: c.source, SourceData: raw}
	return in, nil
}

func (c *generateCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.file == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		return subcommands.ExitUsageError
	}
	setup()
	in, err := c.input()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	dir, err := os.MkdirTemp("", "reportctl-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer os.RemoveAll(dir)
	arts, err := artifacts.NewLocalStore(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	cfg := config.Cfg
	st := store.NewMemoryStore(nil)
	tokens := security.NewDownloadTokenService(cfg.DownloadTokenSecret, cfg.DownloadTokenExpiry)
	reports := services.NewReportService(st, tokens, cfg.PublicBaseURL, nil)
	reports.DefaultMethod = cfg.CostBasisMethod
	gen := services.NewReportGenerator(services.GeneratorOptions{
		Store:      st,
		Connectors: services.NewConnectorRegistry(cfg),
		Prices:     services.NewPriceServiceFromConfig(cfg),
		Compiler:   compiler.New(cfg.ReportCurrency, cfg.Location()),
		Artifacts:  arts,
		Shortfall:  cfg.ShortfallPolicy,
		Timeout:    cfg.GenerationTimeout,
	})

	req, err := reports.Create(ctx, in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	run, err := gen.Machine().Begin(ctx, req.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	runCtx, cancel := context.WithTimeout(ctx, cfg.GenerationTimeout)
	defer cancel()
	if err := gen.Generate(runCtx, run); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	done, err := reports.Get(ctx, req.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	data, err := arts.Get(ctx, done.Artifacts[c.format].Key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	switch {
	case c.out != "":
		if err := os.WriteFile(c.out, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return subcommands.ExitFailure
		}
		fmt.Printf("wrote %s (%s)\n", c.out, humanize.Bytes(uint64(len(data))))
	case c.format == "md":
		printMarkdown(string(data))
	default:
		os.Stdout.Write(data)
	}
	if c.overview {
		printMarkdown(reportSummary(done))
	}
	return subcommands.ExitSuccess
}

type verifyCmd struct{}

func (*verifyCmd) Name() string     { return "verify" }
func (*verifyCmd) Synopsis() string { return "check the totals of CSV report files" }
func (*verifyCmd) Usage() string {
	return `reportctl verify <report.csv>...

  Parses each CSV report and checks its totals against its rows.
`
}

func (*verifyCmd) SetFlags(*flag.FlagSet) {}

func (*verifyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: no file given")
		return subcommands.ExitUsageError
	}
	status := subcommands.ExitSuccess
	for _, name := range f.Args() {
		file, err := os.Open(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			status = subcommands.ExitFailure
			continue
		}
		parsed, err := compiler.ParseCSV(file)
		file.Close()
		if err == nil {
			err = compiler.Verify(parsed)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			status = subcommands.ExitFailure
			continue
		}
		printMarkdown(parsedSummary(filepath.Base(name), parsed))
	}
	return status
}

type migrateCmd struct {
	db string
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "create or upgrade the database schema" }
func (*migrateCmd) Usage() string {
	return `reportctl migrate [-db <path>]

  Brings the schema of the database (DATABASE_PATH by default) up to date.
`
}

func (c *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.db, "db", "", "database path, overriding DATABASE_PATH")
}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	setup()
	path := c.db
	if path == "" {
		path = config.Cfg.DatabasePath
	}
	db, err := database.Open(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer db.Close()
	fmt.Printf("schema of %s is up to date\n", path)
	return subcommands.ExitSuccess
}

type sweepCmd struct{}

func (*sweepCmd) Name() string     { return "sweep" }
func (*sweepCmd) Synopsis() string { return "fail runs that exceeded the generation timeout" }
func (*sweepCmd) Usage() string {
	return `reportctl sweep

  Moves every processing report older than GENERATION_TIMEOUT to error.
`
}

func (*sweepCmd) SetFlags(*flag.FlagSet) {}

func (*sweepCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	setup()
	a, err := app.New(ctx, config.Cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.Close()
	n, err := a.Watchdog.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%d stale run(s) failed\n", n)
	return subcommands.ExitSuccess
}
