package router

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/dispatch"
	"github.com/amerfu/ollamux/internal/gateway/pool"
	"github.com/amerfu/ollamux/internal/handlers"
	"github.com/amerfu/ollamux/internal/middleware"
)

// Deps carries the wired gateway components into route construction.
type Deps struct {
	Config  *config.Config
	Logger  *zap.Logger
	Engine  *dispatch.Engine
	Pool    *pool.Pool
	Table   *config.ModelTable
	Version string
}

func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.MetricsMiddleware(d.Logger))

	corsOrigins := d.Config.CORS.AllowedOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   d.Config.CORS.AllowedMethods,
		AllowedHeaders:   d.Config.CORS.AllowedHeaders,
		AllowCredentials: d.Config.CORS.AllowCredentials,
		MaxAge:           d.Config.CORS.MaxAge,
	}))

	adminHandler := handlers.NewAdminHandler(d.Pool, d.Table, d.Version)
	ollamaHandler := handlers.NewOllamaHandler(d.Logger, d.Engine, d.Table, d.Version, upstreamProxy(d))
	openaiHandler := handlers.NewOpenAIHandler(d.Logger, d.Engine, d.Table)

	r.Get("/health", adminHandler.Health)
	r.Get("/ready", adminHandler.Ready)
	r.Get("/admin/pool", adminHandler.PoolStats)

	// Native Ollama surface. Calls the gateway does not implement itself go
	// to the first configured Ollama daemon, when one exists.
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", ollamaHandler.Chat)
		r.Post("/generate", ollamaHandler.Generate)
		r.Post("/show", ollamaHandler.Show)
		r.Get("/tags", ollamaHandler.Tags)
		r.Get("/version", ollamaHandler.Version)
		r.HandleFunc("/*", ollamaHandler.Passthrough)
	})

	// OpenAI compatibility surface
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", openaiHandler.ChatCompletions)
		r.Get("/models", openaiHandler.ListModels)
	})

	return r
}

// upstreamProxy picks the first ollama-family backend as the passthrough
// target for native API calls the gateway does not serve itself.
func upstreamProxy(d Deps) *handlers.UpstreamProxy {
	for _, group := range d.Config.ModelGroups {
		for _, b := range group.Backends {
			if b.Family != config.FamilyOllama || b.BaseURL == "" {
				continue
			}
			entry := d.Pool.Acquire(pool.NewKey(b.BaseURL, b.APIKey, b.APIVersion, b.Compression))
			return &handlers.UpstreamProxy{
				BaseURL: strings.TrimRight(b.BaseURL, "/"),
				Client:  entry.Client(),
			}
		}
	}
	return nil
}
