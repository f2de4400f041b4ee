package review

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"replydesk/internal/logging"
	"replydesk/internal/queue"
	"replydesk/internal/services"
)

const defaultEscalationLimit = 50

// ServerConfig configures the review API.
type ServerConfig struct {
	JWTSecret       string
	EscalationLimit int
	Logger          *slog.Logger
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

type escalationsInput struct {
	Limit int `query:"limit" minimum:"0" maximum:"500" doc:"Maximum rows to return"`
}

type escalationsOutput struct {
	Body struct {
		Count int              `json:"count"`
		Rows  []queue.Artifact `json:"rows"`
	}
}

type reviewActionInput struct {
	Body Action
}

type reviewActionOutput struct {
	Body Result
}

// NewHandler returns the review API router.
func NewHandler(svc *Service, cfg ServerConfig) http.Handler {
	logger := logging.NewComponentLogger(cfg.Logger, "review_api")
	limit := cfg.EscalationLimit
	if limit <= 0 {
		limit = defaultEscalationLimit
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.JWTSecret))
	hcfg := huma.DefaultConfig("Replydesk Review API", "0.1.0")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(context.Context, *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "Escalations awaiting review, newest first",
	}, func(ctx context.Context, input *escalationsInput) (*escalationsOutput, error) {
		n := input.Limit
		if n <= 0 {
			n = limit
		}
		rows, err := svc.Escalations(ctx, n)
		if err != nil {
			logger.Error("list escalations failed", logging.Error(err))
			return nil, huma.Error500InternalServerError("list escalations failed")
		}
		out := &escalationsOutput{}
		out.Body.Rows = rows
		if out.Body.Rows == nil {
			out.Body.Rows = []queue.Artifact{}
		}
		out.Body.Count = len(rows)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-review-action",
		Method:      http.MethodPost,
		Path:        "/review-action",
		Summary:     "Approve, edit and approve, or reject an escalated draft",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *reviewActionInput) (*reviewActionOutput, error) {
		action := input.Body
		if subject, ok := reviewerFromContext(ctx); ok {
			action.Reviewer = subject
		}
		result, err := svc.Apply(ctx, action)
		if err != nil {
			return nil, statusError(logger, err)
		}
		return &reviewActionOutput{Body: result}, nil
	})

	return router
}

func statusError(logger *slog.Logger, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, services.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	default:
		logger.Error("review action failed", logging.Error(err))
		return huma.Error500InternalServerError("review action failed")
	}
}

// Serve runs the review API on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger = logging.NewComponentLogger(logger, "review_api")
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("review api listening", logging.Event("review_api_started"), logging.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
