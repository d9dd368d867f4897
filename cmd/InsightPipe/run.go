package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/InsightPipe/internal/api"
	"github.com/BTreeMap/InsightPipe/internal/catalog"
	"github.com/BTreeMap/InsightPipe/internal/delivery"
	"github.com/BTreeMap/InsightPipe/internal/genai"
	"github.com/BTreeMap/InsightPipe/internal/generation"
	"github.com/BTreeMap/InsightPipe/internal/line"
	"github.com/BTreeMap/InsightPipe/internal/lockfile"
	"github.com/BTreeMap/InsightPipe/internal/messaging"
	"github.com/BTreeMap/InsightPipe/internal/metrics"
	"github.com/BTreeMap/InsightPipe/internal/models"
	"github.com/BTreeMap/InsightPipe/internal/store"
	"github.com/BTreeMap/InsightPipe/internal/survey"
	"github.com/BTreeMap/InsightPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/InsightPipe/internal/whatsapp"
)

// run wires every module together and serves until ctx is canceled.
func run(ctx context.Context, flags Flags) error {
	if err := validateChannel(flags.Channel); err != nil {
		return err
	}

	if usesFileStore(flags.DatabaseDSN) {
		lock, err := lockfile.AcquireLock(flags.StateDir, "sqlite")
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(flags.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close session store", "error", err)
		}
	}()

	cat, err := catalog.Load(flags.CatalogFile)
	if err != nil {
		return err
	}
	if err := applyCatalogOverrides(cat, flags.SurveyMode, flags.InterimFeedback); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheusRecorder(reg)

	genOpts, err := buildGenerationOptions(flags)
	if err != nil {
		return err
	}
	orch, err := generation.NewOrchestrator(cat.Prompts, append(genOpts, generation.WithRecorder(rec))...)
	if err != nil {
		return fmt.Errorf("invalid generation templates: %w", err)
	}

	ch, webhooks, err := buildChannel(flags)
	if err != nil {
		return err
	}

	dispatcher := delivery.NewDispatcher(ch, delivery.WithRecorder(rec))
	ctrl, err := survey.NewController(cat, st, orch, dispatcher, survey.WithRecorder(rec))
	if err != nil {
		return err
	}

	pumpOpts := []messaging.PumpOption{messaging.WithDedup(st), messaging.WithRecorder(rec)}
	if flags.MaxConcurrentEvents > 0 {
		pumpOpts = append(pumpOpts, messaging.WithMaxConcurrent(flags.MaxConcurrentEvents))
	}
	pump := messaging.NewPump(ch, ctrl, pumpOpts...)

	if err := ch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s channel: %w", ch.Name(), err)
	}
	pump.Start(ctx)

	apiOpts := append(webhooks,
		api.WithChannelName(ch.Name()),
		api.WithCredentials(credentialFlags(flags)),
		api.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	if flags.AdminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(flags.AdminToken))
	} else {
		slog.Info("run: ADMIN_TOKEN not set, session admin endpoints disabled")
	}
	server := api.NewServer(ctrl, st, apiOpts...)

	slog.Info("InsightPipe ready", "channel", ch.Name(), "questions", cat.Len(), "mode", cat.Mode, "interim_feedback", cat.InterimFeedback)
	serveErr := server.Run(ctx)

	if err := ch.Stop(); err != nil {
		slog.Warn("Failed to stop channel", "channel", ch.Name(), "error", err)
	}
	pump.Wait()
	return serveErr
}

// applyCatalogOverrides applies SURVEY_MODE and INTERIM_FEEDBACK to a loaded catalog.
func applyCatalogOverrides(cat *catalog.Catalog, mode, interim string) error {
	switch catalog.Mode(strings.ToLower(mode)) {
	case "":
	case catalog.ModeConsent:
		if len(cat.Keywords.Consent) == 0 {
			return errors.New("SURVEY_MODE=consent requires consent keywords in the catalog")
		}
		cat.Mode = catalog.ModeConsent
	case catalog.ModeDirect:
		if cat.Messages.DirectWelcome == "" {
			cat.Messages.DirectWelcome = cat.Messages.Welcome
		}
		cat.Mode = catalog.ModeDirect
	default:
		return fmt.Errorf("%w: %q", catalog.ErrInvalidMode, mode)
	}

	if interim != "" {
		enabled, ok := parseBool(interim)
		if !ok {
			return fmt.Errorf("invalid INTERIM_FEEDBACK %q", interim)
		}
		if _, ok := cat.Prompts[models.RoleInterim]; enabled && !ok {
			return catalog.ErrMissingInterimRole
		}
		cat.InterimFeedback = enabled
	}
	return nil
}

// buildGenerationOptions picks the primary and secondary backends. OpenAI is
// primary; Anthropic is secondary when its key is set, otherwise a second
// OpenAI model is used when OPENAI_FALLBACK_MODEL is set.
func buildGenerationOptions(flags Flags) ([]generation.Option, error) {
	var opts []generation.Option
	common := []genai.Option{genai.WithDebugMode(flags.GenAIDebug), genai.WithStateDir(flags.StateDir)}

	if flags.OpenAIKey != "" {
		primary, err := genai.NewClient(append(common, genai.WithAPIKey(flags.OpenAIKey), genai.WithModel(flags.OpenAIModel))...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, generation.WithPrimary(primary))
	} else {
		slog.Warn("OPENAI_API_KEY not set; primary generation disabled")
	}

	switch {
	case flags.AnthropicKey != "":
		secondary, err := genai.NewAnthropicClient(append(common, genai.WithAPIKey(flags.AnthropicKey), genai.WithModel(flags.AnthropicModel))...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, generation.WithSecondary(secondary))
	case flags.OpenAIKey != "" && flags.OpenAIFallbackModel != "":
		secondary, err := genai.NewClient(append(common,
			genai.WithAPIKey(flags.OpenAIKey),
			genai.WithModel(flags.OpenAIFallbackModel),
			genai.WithName("openai-fallback"))...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, generation.WithSecondary(secondary))
	default:
		slog.Info("No secondary generation backend configured; failures fall back to canned text")
	}
	return opts, nil
}

// buildChannel creates the configured messaging channel and the webhook routes it needs.
func buildChannel(flags Flags) (messaging.Channel, []api.Option, error) {
	switch flags.Channel {
	case "line":
		client, err := line.NewClient(
			line.WithChannelAccessToken(flags.LineAccessToken),
			line.WithChannelSecret(flags.LineChannelSecret))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create LINE client: %w", err)
		}
		svc := messaging.NewLineService(client, client)
		return svc, []api.Option{api.WithLineWebhook(http.HandlerFunc(svc.WebhookHandler))}, nil

	case "twilio":
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(flags.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(flags.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(flags.TwilioFromNumber),
			twiliowhatsapp.WithWebhookURL(flags.TwilioWebhookURL))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client, client)
		return svc, []api.Option{api.WithTwilioWebhook(http.HandlerFunc(svc.WebhookHandler))}, nil

	case "whatsapp":
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(flags.WhatsAppDSN)}
		if flags.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.QROutput))
		}
		if flags.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil

	default:
		return nil, nil, validateChannel(flags.Channel)
	}
}

// credentialFlags reports which credentials are configured, for /health.
func credentialFlags(flags Flags) map[string]bool {
	return map[string]bool{
		"openai":    flags.OpenAIKey != "",
		"anthropic": flags.AnthropicKey != "",
		"line":      flags.LineAccessToken != "" && flags.LineChannelSecret != "",
		"twilio":    flags.TwilioAccountSID != "" && flags.TwilioAuthToken != "",
	}
}
