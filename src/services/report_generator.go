package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/username/cryptotaxreports/src/artifacts"
	"github.com/username/cryptotaxreports/src/compiler"
	"github.com/username/cryptotaxreports/src/config"
	"github.com/username/cryptotaxreports/src/connectors"
	"github.com/username/cryptotaxreports/src/connectors/csvfile"
	"github.com/username/cryptotaxreports/src/connectors/exchange"
	"github.com/username/cryptotaxreports/src/connectors/manual"
	"github.com/username/cryptotaxreports/src/connectors/oauthlink"
	"github.com/username/cryptotaxreports/src/connectors/wallet"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/processors"
	"github.com/username/cryptotaxreports/src/security/validation"
	"github.com/username/cryptotaxreports/src/statemachine"
	"github.com/username/cryptotaxreports/src/store"
	"github.com/username/cryptotaxreports/src/utils"
)

// Progress checkpoints of a run.
const (
	progressValidating = 5
	progressFetching   = 10
	progressPricing    = 40
	progressMatching   = 60
	progressCompiling  = 80
	progressStoring    = 95
)

// OverridablePrices is a price source that accepts per-run overrides.
type OverridablePrices interface {
	PriceResolver
	WithOverrides(overrides []models.PriceOverride) PriceResolver
}

type ReportGenerator struct {
	store      store.Store
	machine    *statemachine.Machine
	connectors connectors.Registry
	prices     OverridablePrices
	compiler   *compiler.Compiler
	artifacts  artifacts.Store
	notifier   Notifier
	shortfall  models.ShortfallPolicy
	timeout    time.Duration
	clock      utils.Clock

	wg sync.WaitGroup
}

type GeneratorOptions struct {
	Store      store.Store
	Connectors connectors.Registry
	Prices     OverridablePrices
	Compiler   *compiler.Compiler
	Artifacts  artifacts.Store
	Notifier   Notifier
	Shortfall  models.ShortfallPolicy
	Timeout    time.Duration
	Clock      utils.Clock
}

func NewReportGenerator(opts GeneratorOptions) *ReportGenerator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = utils.RealClock{}
	}
	if opts.Notifier == nil {
		opts.Notifier = noopNotifier{}
	}
	return &ReportGenerator{
		store:      opts.Store,
		machine:    statemachine.New(opts.Store),
		connectors: opts.Connectors,
		prices:     opts.Prices,
		compiler:   opts.Compiler,
		artifacts:  opts.Artifacts,
		notifier:   opts.Notifier,
		shortfall:  opts.Shortfall,
		timeout:    opts.Timeout,
		clock:      opts.Clock,
	}
}

// Machine exposes the state machine the generator drives.
func (g *ReportGenerator) Machine() *statemachine.Machine { return g.machine }

// Trigger moves the report to processing and runs the pipeline in the
// background. The run outlives ctx but is bounded by the generation timeout.
func (g *ReportGenerator) Trigger(ctx context.Context, id string) (*statemachine.Run, error) {
	run, err := g.machine.Begin(ctx, id)
	if err != nil {
		return nil, err
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		_ = g.Generate(runCtx, run)
	}()
	return run, nil
}

// Wait blocks until every background run has returned.
func (g *ReportGenerator) Wait() { g.wg.Wait() }

// Generate executes one attempt synchronously and records its outcome.
func (g *ReportGenerator) Generate(ctx context.Context, run *statemachine.Run) error {
	ctx = logger.WithReport(ctx, run.ReportID, run.Attempt)
	log := logger.FromContext(ctx)
	start := g.clock.Now()

	rec, err := g.execute(ctx, run)
	if err == nil {
		err = run.Complete(ctx, *rec)
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", models.ErrTimeout, err)
		}
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if ferr := run.Fail(failCtx, err); ferr != nil {
			log.Warn("Could not record generation failure", "error", ferr)
			return err
		}
		g.notify(failCtx, run.ReportID, false)
		return err
	}
	log.Info("Report generated", "duration", g.clock.Now().Sub(start).String())
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	g.notify(notifyCtx, run.ReportID, true)
	return nil
}

func (g *ReportGenerator) execute(ctx context.Context, run *statemachine.Run) (*models.CompletionRecord, error) {
	log := logger.FromContext(ctx)
	req, err := g.store.Get(ctx, run.ReportID)
	if err != nil {
		return nil, err
	}
	if req.Attempt != run.Attempt {
		return nil, models.ErrStaleAttempt
	}

	if err := run.Progress(ctx, progressValidating, "Validating request"); err != nil {
		return nil, err
	}
	if err := validation.ValidateReportFields(req, g.clock.Now()); err != nil {
		return nil, err
	}
	if err := validation.ValidateSourceData(req.DataSource, req.SourceData); err != nil {
		return nil, err
	}

	if err := run.Progress(ctx, progressFetching, "Fetching transactions"); err != nil {
		return nil, err
	}
	year := models.FiscalYearRange(req.FiscalYear, g.compiler.Location)
	fetched, warnings, err := g.fetchAll(ctx, req.Sources(), models.DateRange{To: year.To})
	if err != nil {
		return nil, err
	}

	ledger, normWarnings := processors.NewTransactionProcessor().Normalize(fetched)
	warnings = append(warnings, normWarnings...)
	log.Info("Ledger normalised", "transactions", len(ledger), "warnings", len(warnings))
	if err := g.store.ReplaceLedger(ctx, req.ID, ledger); err != nil {
		return nil, err
	}

	if err := run.Progress(ctx, progressPricing, "Resolving historical prices"); err != nil {
		return nil, err
	}
	overrides, err := g.store.ListPriceOverrides(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	prices := g.prices.WithOverrides(overrides)
	ledger, err = PriceTransactions(ctx, prices, ledger)
	if err != nil {
		if missing := MissingPrices(err); len(missing) > 0 {
			log.Warn("Transactions without a price", "pairs", len(missing))
		}
		return nil, err
	}
	if err := g.store.ReplaceLedger(ctx, req.ID, ledger); err != nil {
		return nil, err
	}

	if err := run.Progress(ctx, progressMatching, "Matching acquisition lots"); err != nil {
		return nil, err
	}
	engine := processors.NewCostBasisProcessor(req.Method, g.shortfall)
	result, err := engine.Process(ctx, ledger)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, result.Warnings...)
	var holdings map[string][]models.Lot
	if req.ReportType != models.ReportModel100 {
		if holdings, err = engine.HoldingsAt(ctx, ledger, year.To.Add(time.Nanosecond)); err != nil {
			return nil, err
		}
	}

	if err := run.Progress(ctx, progressCompiling, "Compiling report"); err != nil {
		return nil, err
	}
	report, err := g.compiler.Compile(ctx, compiler.Input{
		Request:  req,
		Ledger:   ledger,
		Result:   result,
		Holdings: holdings,
		Warnings: warnings,
		Prices:   prices,
	})
	if err != nil {
		return nil, err
	}

	if err := run.Progress(ctx, progressStoring, "Storing artifacts"); err != nil {
		return nil, err
	}
	formats := req.Formats
	if len(formats) == 0 {
		formats = models.DefaultFormats
	}
	rec := &models.CompletionRecord{
		Artifacts: make(map[string]models.ArtifactRef, len(formats)),
		Totals:    report.Totals,
		Warnings:  report.Warnings,
	}
	for _, format := range formats {
		artifact, err := compiler.Render(report, format)
		if err != nil {
			return nil, err
		}
		ref, err := g.artifacts.Put(ctx, artifacts.Key(req.ID, run.Attempt, artifact.Extension), artifact.ContentType, artifact.Data)
		if err != nil {
			return nil, fmt.Errorf("store %s artifact: %w", format, err)
		}
		log.Info("Artifact stored", "format", format, "key", ref.Key, "size", humanize.Bytes(uint64(ref.Size)))
		rec.Artifacts[format] = ref
		if rec.GeneratedReport == "" {
			rec.GeneratedReport = ref.Key
		}
	}
	return rec, nil
}

// fetchAll runs every source's connector concurrently. The first failure
// cancels the others.
func (g *ReportGenerator) fetchAll(ctx context.Context, sources []models.Source, fallback models.DateRange) ([]models.Transaction, []models.Warning, error) {
	results := make([]*connectors.FetchResult, len(sources))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, src := range sources {
		conn, err := g.connectors.Get(src.DataSource)
		if err != nil {
			return nil, nil, err
		}
		window := connectors.Window(src.SourceData.DateRange(), fallback)
		eg.Go(func() error {
			res, err := conn.Fetch(egCtx, src.SourceData, window)
			if err != nil {
				return fmt.Errorf("fetch %s source: %w", src.DataSource, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	var txs []models.Transaction
	var warnings []models.Warning
	for i, res := range results {
		logger.FromContext(ctx).Info("Source fetched", "dataSource", sources[i].DataSource,
			"transactions", len(res.Transactions), "warnings", len(res.Warnings))
		txs = append(txs, res.Transactions...)
		warnings = append(warnings, res.Warnings...)
	}
	return txs, warnings, nil
}

func (g *ReportGenerator) notify(ctx context.Context, id string, ready bool) {
	req, err := g.store.Get(ctx, id)
	if err != nil {
		logger.FromContext(ctx).Warn("Skipping notification", "error", err)
		return
	}
	if ready {
		g.notifier.ReportReady(ctx, req)
	} else {
		g.notifier.ReportFailed(ctx, req)
	}
}

// NewConnectorRegistry wires every data source to its connector from cfg.
func NewConnectorRegistry(cfg *config.AppConfig) connectors.Registry {
	loc := cfg.Location()
	retry := connectors.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    connectors.DefaultRetryPolicy.MaxDelay,
	}
	client := &http.Client{Timeout: 30 * time.Second}
	return connectors.Registry{
		models.SourceCSV:    csvfile.New(loc),
		models.SourceManual: manual.New(),
		models.SourceWallet: wallet.New(wallet.Config{
			ExplorerURLs: map[string]string{
				"ethereum": cfg.EtherscanAPIURL,
				"polygon":  cfg.PolygonscanAPIURL,
				"bsc":      cfg.BscscanAPIURL,
			},
			ExplorerAPIKey: cfg.ExplorerAPIKey,
			EsploraURL:     strings.TrimRight(cfg.EsploraAPIURL, "/"),
			RPS:            cfg.UpstreamRPS,
			Retry:          retry,
			HTTPClient:     client,
		}),
		models.SourceAPIKey: exchange.New(exchange.Config{
			BaseURL:     cfg.ExchangeAPIBaseURL,
			TradesPath:  cfg.ExchangeTradesPath,
			RecordsPath: cfg.ExchangeRecordsJSONPath,
			CursorPath:  cfg.ExchangeCursorJSONPath,
			Location:    loc,
			RPS:         cfg.UpstreamRPS,
			Retry:       retry,
			HTTPClient:  client,
		}),
		models.SourceOAuth: oauthlink.New(oauthlink.Config{
			TokenURL:     cfg.OAuthTokenURL,
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			APIBaseURL:   cfg.OAuthAPIBaseURL,
			TradesPath:   cfg.ExchangeTradesPath,
			RecordsPath:  cfg.ExchangeRecordsJSONPath,
			CursorPath:   cfg.ExchangeCursorJSONPath,
			Location:     loc,
			RPS:          cfg.UpstreamRPS,
			Retry:        retry,
			HTTPClient:   client,
		}),
	}
}

// NewPriceServiceFromConfig builds the price resolver described by cfg.
func NewPriceServiceFromConfig(cfg *config.AppConfig) *PriceService {
	return NewPriceService(PriceServiceConfig{
		BaseURL:  cfg.PriceAPIBaseURL,
		APIKey:   cfg.PriceAPIKey,
		JSONPath: cfg.PriceJSONPath,
		Currency: cfg.ReportCurrency,
		AssetIDs: cfg.PriceAssetIDs,
		CacheTTL: cfg.PriceCacheTTL,
		RPS:      cfg.UpstreamRPS,
		Retry: connectors.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    connectors.DefaultRetryPolicy.MaxDelay,
		},
	})
}
