package main

import (
	"context"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"golang.org/x/time/rate"

	"github.com/sells-group/submission-grader/internal/blobstore"
	"github.com/sells-group/submission-grader/internal/cost"
	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/registry"
	"github.com/sells-group/submission-grader/internal/resilience"
	"github.com/sells-group/submission-grader/internal/stagehandler"
	"github.com/sells-group/submission-grader/internal/store"
	"github.com/sells-group/submission-grader/pkg/llm"
	"github.com/sells-group/submission-grader/pkg/notion"
	sfpkg "github.com/sells-group/submission-grader/pkg/salesforce"
	"github.com/sells-group/submission-grader/pkg/salesforcesync"
	"github.com/sells-group/submission-grader/pkg/telegrambot"
)

// initStore opens the configured store backend and runs its migrations,
// mirroring the teacher's initStore/st.Migrate pairing in cmd/run.go.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)

	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "submission-grader.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initBlobstore constructs the configured artifact object store.
func initBlobstore() (blobstore.Store, error) {
	switch cfg.Blobstore.Driver {
	case "local", "":
		dir := cfg.Blobstore.RootDir
		if dir == "" {
			dir = "/tmp/submission-grader/artifacts"
		}
		return blobstore.NewLocalStore(dir), nil
	default:
		return nil, eris.Errorf("unsupported blobstore driver: %s", cfg.Blobstore.Driver)
	}
}

// initTelegram returns a telegrambot.Client, or nil if no bot token is
// configured — telegram is optional infrastructure for roles that don't
// need it (e.g. worker-normalize).
func initTelegram() telegrambot.Client {
	if cfg.Telegram.BotToken == "" {
		return nil
	}
	return telegrambot.NewClient(cfg.Telegram.BotToken, cfg.Telegram.BaseURL)
}

// initLLM wraps the Anthropic client with the rate limiting, circuit
// breaking, and retry internal/resilience provides, or nil if no key is
// configured.
func initLLM() llm.Client {
	if cfg.Anthropic.Key == "" {
		return nil
	}
	inner := llm.NewClient(cfg.Anthropic.Key)
	limiter := rate.NewLimiter(rate.Limit(5), 5)
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	return llm.NewResilientClient(inner, limiter, breaker, resilience.DefaultRetryConfig())
}

// initSalesforce authenticates against Salesforce via JWT bearer flow and
// wraps the result in pkg/salesforce.Client, or nil if no service account is
// configured — following the teacher's initSalesforce in
// cmd/store_postgres.go, generalized to return nil rather than error when
// the deliver stage doesn't need the Salesforce channel at all.
func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.Username == "" {
		return nil, nil
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf), nil
}

// initSalesforceSync builds the deliver stage's CRM delivery channel on top
// of initSalesforce, loading the field registry from either a live Notion
// connection or a JSON fixture. Returns nil, nil when Salesforce isn't
// configured at all.
func initSalesforceSync(ctx context.Context, sf sfpkg.Client) (salesforcesync.Client, error) {
	if sf == nil {
		return nil, nil
	}

	fields, err := loadFieldRegistry(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "load field registry")
	}

	return salesforcesync.New(sf, fields, cfg.Salesforce.SObject, cfg.Salesforce.ExternalIDField), nil
}

// loadRubric resolves the evaluate stage's rubric criteria from a live
// Notion database, falling back to a JSON fixture when no Notion token is
// configured (--dry-run-startup, local development).
func loadRubric(ctx context.Context) ([]model.RubricCriterion, error) {
	if cfg.Notion.Token != "" && cfg.Notion.RubricDB != "" {
		notionClient := notion.NewClient(cfg.Notion.Token)
		return registry.LoadRubricRegistry(ctx, notionClient, cfg.Notion.RubricDB)
	}
	if cfg.Notion.RubricFixturePath != "" {
		return registry.LoadRubricFromFile(cfg.Notion.RubricFixturePath)
	}
	return nil, eris.New("neither notion.token/rubric_db nor notion.rubric_fixture_path is configured")
}

// loadFieldRegistry resolves the deliver stage's Salesforce field mappings,
// live-Notion-first with a fixture fallback, mirroring loadRubric.
func loadFieldRegistry(ctx context.Context) (*model.FieldRegistry, error) {
	if cfg.Notion.Token != "" && cfg.Notion.FieldDB != "" {
		notionClient := notion.NewClient(cfg.Notion.Token)
		return registry.LoadFieldRegistry(ctx, notionClient, cfg.Notion.FieldDB)
	}
	if cfg.Notion.FieldFixturePath != "" {
		return registry.LoadFieldsFromFile(cfg.Notion.FieldFixturePath)
	}
	return nil, eris.New("neither notion.token/field_db nor notion.field_fixture_path is configured")
}

// costRates converts the YAML-sourced config.PricingConfig into
// cost.Rates, falling back to cost.DefaultRates() when the operator has not
// supplied pricing overrides.
func costRates() cost.Rates {
	if len(cfg.Pricing.Anthropic) == 0 {
		return cost.DefaultRates()
	}
	models := make(map[string]cost.ModelRate, len(cfg.Pricing.Anthropic))
	for name, p := range cfg.Pricing.Anthropic {
		models[name] = cost.ModelRate{
			Input:         p.Input,
			Output:        p.Output,
			BatchDiscount: p.BatchDiscount,
			CacheWriteMul: p.CacheWriteMul,
			CacheReadMul:  p.CacheReadMul,
		}
	}
	return cost.Rates{Models: models}
}

// buildStageDeps assembles the one stagehandler.Deps bag shared by all four
// stage handlers, per internal/stagehandler's documented contract. Each
// worker role only exercises the subset of fields its own handler reads;
// the rest stay zero-valued rather than gating construction per role, since
// stagehandler.Deps carries no behavior of its own to misfire on an unused
// field.
func buildStageDeps(ctx context.Context, st store.Store, bs blobstore.Store) (stagehandler.Deps, error) {
	deps := stagehandler.Deps{
		Store:          st,
		Blobstore:      bs,
		Telegram:       initTelegram(),
		LLM:            initLLM(),
		Cost:           cost.NewCalculator(costRates()),
		RubricMaxTier:  cfg.Notion.RubricMaxTier,
		PromptVersion:  cfg.Evaluation.PromptVersion,
		ChainVersion:   cfg.Evaluation.ChainVersion,
		Model:          cfg.Evaluation.Model,
		Temperature:    cfg.Evaluation.Temperature,
		Seed:           cfg.Evaluation.Seed,
		MaxTokens:      cfg.Evaluation.MaxTokens,
		ArtifactStrict: cfg.Artifact.Strict(),
	}

	if deps.LLM != nil {
		rubric, err := loadRubric(ctx)
		if err != nil {
			return stagehandler.Deps{}, eris.Wrap(err, "load rubric")
		}
		deps.Rubric = model.FilterByMaxTier(rubric, cfg.Notion.RubricMaxTier)
		deps.RubricVersion = cfg.Notion.RubricDB
	}

	sf, err := initSalesforce()
	if err != nil {
		return stagehandler.Deps{}, err
	}
	sfSync, err := initSalesforceSync(ctx, sf)
	if err != nil {
		return stagehandler.Deps{}, err
	}
	deps.Salesforce = sfSync

	return deps, nil
}

// initTemporal dials the Temporal frontend used by internal/exportjob, or
// returns nil, nil when export.temporal_host_port isn't configured — the
// api role then answers POST /exports with 503 rather than failing to
// start entirely, since exports are peripheral to the core scheduler.
func initTemporal() (client.Client, error) {
	if cfg.Export.TemporalHostPort == "" {
		return nil, nil
	}
	c, err := client.Dial(client.Options{HostPort: cfg.Export.TemporalHostPort})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}

// pid returns this process's OS process id, used to make worker identities
// unique across restarts of the same role.
func pid() int {
	return os.Getpid()
}
