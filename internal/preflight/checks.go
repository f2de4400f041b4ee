package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"replydesk/internal/config"
	"replydesk/internal/queue"
	"replydesk/internal/services/llm"
)

// CheckLLM verifies that the LLM API is reachable and the key is valid.
// It uses a 30-second timeout and a single attempt (no retries).
func CheckLLM(ctx context.Context, name string, cfg config.LLM) Result {
	if cfg.APIKey == "" {
		return Result{Name: name, Detail: "API key missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client := llm.NewClient(llm.Config{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		TimeoutSeconds: cfg.TimeoutSeconds,
	}, llm.WithRetryMaxAttempts(1))

	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "API reachable"}
}

// CheckEndpoint verifies an optional HTTP collaborator answers. Any response
// below 500 other than an auth rejection counts as reachable; the check is
// optional because the pipeline degrades without the collaborator.
func CheckEndpoint(ctx context.Context, name, baseURL, token string) Result {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return Result{Name: name, Passed: true, Detail: "Disabled", Optional: true}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, base, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("check failed (%v)", err), Optional: true}
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("unreachable (%s)", summarizeError(err)), Optional: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Result{Name: name, Detail: "auth failed (check api token)", Optional: true}
	case resp.StatusCode >= 500:
		return Result{Name: name, Detail: fmt.Sprintf("server error (%d)", resp.StatusCode), Optional: true}
	default:
		return Result{Name: name, Passed: true, Detail: "Reachable", Optional: true}
	}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// StoreCheckName names the result produced by CheckStore.
const StoreCheckName = "Queue store"

// CheckStore verifies the queue backend is reachable with a complete schema.
func CheckStore(ctx context.Context, store queue.Inspector) Result {
	const name = StoreCheckName
	if store == nil {
		return Result{Name: name, Detail: "not opened"}
	}
	health, err := store.CheckHealth(ctx)
	if err != nil {
		return Result{Name: name, Detail: summarizeError(err)}
	}
	switch {
	case !health.Reachable:
		return Result{Name: name, Detail: fmt.Sprintf("%s unreachable: %s", health.Driver, health.Error)}
	case len(health.MissingTables) > 0:
		return Result{Name: name, Detail: fmt.Sprintf("missing tables: %s", strings.Join(health.MissingTables, ", "))}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s %s (schema v%d)", health.Driver, health.Location, health.SchemaVersion)}
}

// summarizeError produces a human-readable summary for check failures.
func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return err.Error()
}
