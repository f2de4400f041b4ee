package preflight

import (
	"context"

	"replydesk/internal/config"
	"replydesk/internal/queue"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail"`
	Optional bool   `json:"optional,omitempty"`
}

// Failed returns the results that did not pass and are not optional.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			failed = append(failed, r)
		}
	}
	return failed
}

// RunAll executes every applicable check. store may be nil when the backend
// could not be opened; that is reported as a failure.
func RunAll(ctx context.Context, cfg *config.Config, store queue.Inspector) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckStore(ctx, store),
	}

	if cfg.DraftingEnabled() {
		results = append(results, CheckLLM(ctx, "Drafting LLM", cfg.LLM))
	} else {
		results = append(results, Result{Name: "Drafting LLM", Passed: true, Detail: "Disabled (template drafts)", Optional: true})
	}

	results = append(results,
		CheckEndpoint(ctx, "CRM enrichment", cfg.CRM.APIURL, cfg.CRM.APIToken),
		CheckEndpoint(ctx, "Thread history", cfg.Threads.APIURL, cfg.Threads.APIToken),
		CheckEndpoint(ctx, "Publish webhook", cfg.Publish.WebhookURL, ""),
	)
	return results
}
