package workflow

import (
	"log/slog"
	"strings"
	"time"

	"replydesk/internal/config"
	"replydesk/internal/enrichment"
	"replydesk/internal/escalation"
	"replydesk/internal/pipeline"
	"replydesk/internal/precedent"
	"replydesk/internal/services"
	"replydesk/internal/services/llm"
)

// NewPipeline assembles the stage pipeline described by cfg. Collaborators
// that are not configured are left out so their stages degrade to defaults.
func NewPipeline(cfg *config.Config, precedents precedent.Log, logger *slog.Logger) (*pipeline.Pipeline, error) {
	rules, err := escalation.LoadRules(cfg.Pipeline.EscalationRules)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "load escalation rules", cfg.Pipeline.EscalationRules, err)
	}
	classifier, err := escalation.New(rules)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "compile escalation rules", "", err)
	}

	opts := pipeline.Options{
		Classifier:          classifier,
		QAMinConfidence:     cfg.Pipeline.QAMinConfidence,
		PolicyMinConfidence: cfg.Pipeline.PolicyMinConfidence,
		SignatureBlock:      cfg.Pipeline.SignatureBlock,
		AutoSend:            cfg.Publish.AutoSend,
		Executor:            cfg.Pipeline.Executor,
		Logger:              logger,
	}
	if precedents != nil {
		opts.Precedents = precedent.NewMemory(precedents, cfg.Precedent.MinSamples, cfg.Precedent.MinConfidence)
	}
	if cfg.DraftingEnabled() {
		opts.Drafter = llm.NewClient(llm.Config{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		})
	}
	if strings.TrimSpace(cfg.CRM.APIURL) != "" {
		opts.CRM = enrichment.NewCRMClient(enrichment.CRMConfig{
			APIURL:  cfg.CRM.APIURL,
			Token:   cfg.CRM.APIToken,
			Timeout: seconds(cfg.CRM.TimeoutSeconds),
		}, logger)
	}
	if strings.TrimSpace(cfg.Threads.APIURL) != "" {
		opts.Threads = enrichment.NewThreadClient(enrichment.ThreadConfig{
			APIURL:      cfg.Threads.APIURL,
			Token:       cfg.Threads.APIToken,
			Timeout:     seconds(cfg.Threads.TimeoutSeconds),
			MaxMessages: cfg.Threads.MaxMessages,
		}, logger)
	}
	return pipeline.New(opts)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
