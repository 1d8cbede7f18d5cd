package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/api"
	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/envelope"
	"github.com/BTreeMap/OutletPipe/internal/flow"
	"github.com/BTreeMap/OutletPipe/internal/genai"
	"github.com/BTreeMap/OutletPipe/internal/lockfile"
	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/pending"
	"github.com/BTreeMap/OutletPipe/internal/scheduler"
	"github.com/BTreeMap/OutletPipe/internal/store"
	"github.com/BTreeMap/OutletPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OutletPipe/internal/whatsapp"
	"golang.org/x/sync/errgroup"
)

// reminderRunTimeout bounds one scheduled reminder pass.
const reminderRunTimeout = 10 * time.Minute

// coordination is where dedup claims and fan-out/reminder claims live.
type coordination struct {
	dedup  store.DedupRepo
	claims store.ClaimRepo
	close  func() error
}

// run wires every component and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, config Config, flags Flags) error {
	if err := validateProvider(*flags.provider); err != nil {
		return err
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	coord, err := buildCoordination(ctx, config, st)
	if err != nil {
		return err
	}
	defer coord.close()

	cat, err := loadCatalog(*flags.catalogFile)
	if err != nil {
		return err
	}

	provider, inbound, err := buildProvider(ctx, flags)
	if err != nil {
		return err
	}
	if inbound != nil {
		defer inbound.Stop()
	}

	dispatchOpts := []messaging.DispatcherOption{messaging.WithSessionWindow(config.SessionWindow)}
	if config.ReopenTemplate != "" {
		dispatchOpts = append(dispatchOpts, messaging.WithReopenTemplate(config.ReopenTemplate))
	}
	dispatcher := messaging.NewDispatcher(provider, st, st, coord.claims, cat, dispatchOpts...)

	genOpts := []genai.Option{genai.WithAPIKey(*flags.openaiKey)}
	if config.OpenAIModel != "" {
		genOpts = append(genOpts, genai.WithModel(config.OpenAIModel))
	}
	generator, err := genai.NewClient(genOpts...)
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}

	ctrl, err := flow.NewController(flow.Deps{
		Sessions:   st,
		Dedup:      coord.dedup,
		Directory:  st,
		Records:    st,
		Audit:      st,
		Generator:  generator,
		Validator:  envelope.NewValidator(envelope.WithRequired(config.EnvelopeRequired), envelope.WithStrict(config.EnvelopeStrict)),
		Dispatcher: dispatcher,
		Catalog:    cat,
	}, flow.WithEventDeadline(config.EventDeadline))
	if err != nil {
		return err
	}

	apiOpts, err := buildAPIOptions(config, flags, st)
	if err != nil {
		return err
	}
	server := api.NewServer(ctrl, ctrl, st, apiOpts...)

	sweeper := scheduler.NewSweeper(st, coord.dedup, ctrl, dispatcher, cat,
		scheduler.WithIdleTimeout(*flags.idleTimeout),
		scheduler.WithSweepInterval(config.SweepInterval),
		scheduler.WithInboundRetention(config.InboundRetention),
	)

	sched := scheduler.NewScheduler()
	if err := registerReminders(ctx, sched, config, coord.claims, dispatcher); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	if inbound != nil {
		if err := inbound.Start(gctx); err != nil {
			return fmt.Errorf("start whatsmeow inbound: %w", err)
		}
		inbox := flow.NewInbox(ctrl, inbound.Inbound())
		g.Go(func() error {
			inbox.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// buildStore opens Postgres for postgres DSNs and SQLite otherwise.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		st, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		return st, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	return st, nil
}

// buildCoordination moves dedup and claims to Redis when REDIS_URL is set so
// several replicas share them; otherwise the SQL store serves both.
func buildCoordination(ctx context.Context, config Config, st store.Store) (coordination, error) {
	if config.RedisURL == "" {
		return coordination{dedup: st, claims: st, close: func() error { return nil }}, nil
	}
	client, err := store.NewRedisClient(ctx, config.RedisURL)
	if err != nil {
		return coordination{}, err
	}
	slog.Info("Using Redis for inbound dedup and delivery claims")
	return coordination{
		dedup:  store.NewRedisDedup(client, config.InboundRetention),
		claims: store.NewRedisClaims(client),
		close:  client.Close,
	}, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		slog.Debug("No catalog file configured, using built-in catalog")
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	slog.Info("Loaded catalog", "path", path)
	return cat, nil
}

// buildProvider returns the transport provider and, for whatsmeow, the
// service that also delivers inbound events.
func buildProvider(ctx context.Context, flags Flags) (messaging.Provider, *messaging.WhatsAppService, error) {
	switch *flags.provider {
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil, nil
	default:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsmeow client: %w", err)
		}
		svc := messaging.NewWhatsAppService(client)
		return svc, svc, nil
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// errPartialSignatureConfig is returned when Twilio signature checks are half configured.
var errPartialSignatureConfig = errors.New("TWILIO_AUTH_TOKEN is set but PUBLIC_URL is not; webhook signatures cannot be verified")

// buildAPIOptions constructs API server configuration options. A Twilio auth
// token without the public URL it signs against is refused.
func buildAPIOptions(config Config, flags Flags, directory store.Directory) ([]api.Option, error) {
	if config.TwilioAuthToken != "" && config.PublicURL == "" {
		return nil, errPartialSignatureConfig
	}
	apiOpts := []api.Option{
		api.WithAdminToken(config.AdminToken),
		api.WithPoolSize(config.PoolSize),
		api.WithDirectory(directory),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.TwilioAuthToken != "" && config.PublicURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioSignature(config.TwilioAuthToken, config.PublicURL))
	} else if *flags.provider == ProviderTwilio {
		slog.Warn("Twilio webhook signature checks disabled; set TWILIO_AUTH_TOKEN and PUBLIC_URL to enable them")
	}
	if config.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set; admin routes will reject every request")
	}
	return apiOpts, nil
}

// registerReminders schedules the closing reminder when a pending source is configured.
func registerReminders(ctx context.Context, sched *scheduler.Scheduler, config Config, claims store.ClaimRepo, sender scheduler.Sender) error {
	if config.SupabaseURL == "" {
		slog.Info("SUPABASE_URL not set, closing reminders disabled")
		return nil
	}
	source, err := pending.NewSupabaseSource()
	if err != nil {
		return fmt.Errorf("pending source: %w", err)
	}
	job := scheduler.NewClosingReminder(source, claims, sender)
	return sched.AddJob(job.Name, config.ReminderCron, func() {
		rctx, cancel := context.WithTimeout(ctx, reminderRunTimeout)
		defer cancel()
		report, err := job.Run(rctx, time.Now())
		if err != nil {
			slog.Error("closing reminder failed", "error", err)
			return
		}
		slog.Info("closing reminder finished", "day", report.Day, "sent", len(report.Sent), "skipped", len(report.Skipped), "failed", len(report.Failed))
	})
}
