package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"replydesk/internal/queue"
	"replydesk/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.WriteHeader(http.StatusMethodNotAllowed)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	if result := CheckEndpoint(context.Background(), "CRM", srv.URL, "good"); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if result := CheckEndpoint(context.Background(), "CRM", srv.URL, "bad"); result.Passed {
		t.Fatal("expected failure for bad token")
	}
	result := CheckEndpoint(context.Background(), "CRM", "", "")
	if !result.Passed || !result.Optional || result.Detail != "Disabled" {
		t.Fatalf("unconfigured endpoint should pass as disabled, got %+v", result)
	}
}

func TestCheckEndpoint_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	result := CheckEndpoint(context.Background(), "Publish webhook", srv.URL, "")
	if result.Passed {
		t.Fatal("expected failure for 502")
	}
	if len(Failed([]Result{result})) != 0 {
		t.Fatal("optional failures must not block startup")
	}
}

func TestCheckStore(t *testing.T) {
	if result := CheckStore(context.Background(), nil); result.Passed {
		t.Fatal("expected failure without a store")
	}
	if result := CheckStore(context.Background(), queue.NewMemoryStore()); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckLLM_MissingKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if result := CheckLLM(context.Background(), "LLM", cfg.LLM); result.Passed {
		t.Fatal("expected failure without an api key")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}

	results := RunAll(context.Background(), cfg, queue.NewMemoryStore())
	if len(results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_ReportsMissingStateDir(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	results := RunAll(context.Background(), cfg, queue.NewMemoryStore())
	failed := Failed(results)
	if len(failed) == 0 || failed[0].Name != "State directory" {
		t.Fatalf("expected the state directory to fail, got %+v", failed)
	}
}
