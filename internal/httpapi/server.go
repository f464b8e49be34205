package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runnerd/internal/worker"
	"runnerd/pkg/types"
)

// Service defines the methods required by the HTTP API layer. The worker
// supervisor satisfies it directly.
type Service interface {
	State() worker.State
	PendingCalls() int

	LocalModels(ctx context.Context) ([]types.Model, error)
	AvailableModels(ctx context.Context) ([]types.Model, error)
	SearchModels(ctx context.Context, query string) ([]types.Model, error)
	DownloadModel(ctx context.Context, id string, progress func(percent float64, speed string)) error
	CancelDownload(ctx context.Context, id string) error
	DownloadProgress(ctx context.Context, id string) (types.DownloadProgress, error)
	DeleteModel(ctx context.Context, id string) error

	LoadModel(ctx context.Context, req types.LoadModelRequest) error
	UnloadModel(ctx context.Context) error
	ModelStatus(ctx context.Context) (types.ModelStatus, error)
	ModelSettings(ctx context.Context) (types.ModelSettings, error)
	SetModelSettings(ctx context.Context, settings types.ModelSettings) error
	RuntimeInfo(ctx context.Context) (types.RuntimeInfo, error)

	Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResult, error)
	GenerateStream(ctx context.Context, req types.GenerateRequest) (*worker.Stream, error)
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(requestLogger)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.State() == worker.StateReady {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(string(svc.State())))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"state":         svc.State(),
			"pending_calls": svc.PendingCalls(),
		})
	})

	r.Get("/runtime", func(w http.ResponseWriter, r *http.Request) {
		handleJSON(w, r, svc.RuntimeInfo)
	})

	r.Route("/models", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			handleModelList(w, r, svc.LocalModels)
		})
		r.Get("/available", func(w http.ResponseWriter, r *http.Request) {
			handleModelList(w, r, svc.AvailableModels)
		})
		r.Get("/search", func(w http.ResponseWriter, r *http.Request) {
			q := strings.TrimSpace(r.URL.Query().Get("q"))
			if q == "" {
				writeJSONError(w, http.StatusBadRequest, "query parameter q is required")
				return
			}
			handleModelList(w, r, func(ctx context.Context) ([]types.Model, error) {
				return svc.SearchModels(ctx, q)
			})
		})

		r.Post("/{id}/download", func(w http.ResponseWriter, r *http.Request) {
			handleDownload(w, r, svc)
		})
		r.Post("/{id}/download/cancel", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			if err := svc.CancelDownload(ctx, chi.URLParam(r, "id")); err != nil {
				writeServiceError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/{id}/download/progress", func(w http.ResponseWriter, r *http.Request) {
			handleJSON(w, r, func(ctx context.Context) (types.DownloadProgress, error) {
				return svc.DownloadProgress(ctx, chi.URLParam(r, "id"))
			})
		})
		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			if err := svc.DeleteModel(ctx, chi.URLParam(r, "id")); err != nil {
				writeServiceError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Route("/model", func(r chi.Router) {
		r.Post("/load", func(w http.ResponseWriter, r *http.Request) {
			var req types.LoadModelRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			if strings.TrimSpace(req.Model) == "" {
				writeJSONError(w, http.StatusBadRequest, "model is required")
				return
			}
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			if err := svc.LoadModel(ctx, req); err != nil {
				writeServiceError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/unload", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			if err := svc.UnloadModel(ctx); err != nil {
				writeServiceError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			handleJSON(w, r, svc.ModelStatus)
		})
		r.Get("/settings", func(w http.ResponseWriter, r *http.Request) {
			handleJSON(w, r, svc.ModelSettings)
		})
		r.Put("/settings", func(w http.ResponseWriter, r *http.Request) {
			var settings types.ModelSettings
			if !decodeJSON(w, r, &settings) {
				return
			}
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			if err := svc.SetModelSettings(ctx, settings); err != nil {
				writeServiceError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		res, err := svc.Generate(ctx, req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, res)
	})

	r.Post("/generate/stream", func(w http.ResponseWriter, r *http.Request) {
		handleGenerateStream(w, r, svc)
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// handleGenerateStream relays worker chunks as NDJSON lines, one fragment per
// line, ending with a line carrying the terminal reply. Client disconnect
// cancels the joined context, which aborts generation on the worker.
func handleGenerateStream(w http.ResponseWriter, r *http.Request, svc Service) {
	var req types.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	st, err := svc.GenerateStream(ctx, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	for {
		chunk, err := st.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Headers are gone; report the outcome in-band and stop.
			line, _ := json.Marshal(map[string]string{"error": err.Error()})
			w.Write(append(line, '\n'))
			return
		}
		w.Write(append(chunk, '\n'))
		if flush != nil {
			flush()
		}
	}
	final := st.Final()
	if len(final) == 0 {
		final = json.RawMessage(`{}`)
	}
	line, _ := json.Marshal(map[string]json.RawMessage{"done": final})
	w.Write(append(line, '\n'))
	if flush != nil {
		flush()
	}
}

// handleDownload streams progress reports as NDJSON while the download runs,
// then a terminal done/error line.
func handleDownload(w http.ResponseWriter, r *http.Request, svc Service) {
	id := chi.URLParam(r, "id")
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	enc := json.NewEncoder(w)
	err := svc.DownloadModel(ctx, id, func(pct float64, speed string) {
		_ = enc.Encode(types.DownloadProgress{Model: id, Progress: pct, Speed: speed})
		if flush != nil {
			flush()
		}
	})
	if err != nil {
		_ = enc.Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = enc.Encode(types.DownloadProgress{Model: id, Progress: 100, Done: true})
}

func handleModelList(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]types.Model, error)) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	models, err := list(ctx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if models == nil {
		models = []types.Model{}
	}
	writeJSON(w, map[string]any{"models": models})
}

func handleJSON[T any](w http.ResponseWriter, r *http.Request, get func(context.Context) (T, error)) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	out, err := get(ctx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, out)
}

// decodeJSON enforces content type and body size, reporting failures itself.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
