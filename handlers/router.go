package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(app App) *chi.Mux {
	cfg := app.Config()
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	if cfg.TrustProxy {
		mux.Use(middleware.RealIP)
	}
	mux.Use(NewStructuredLogger(app.Logger()))
	mux.Use(middleware.Recoverer)
	mux.Use(MetricsMiddleware)
	if len(cfg.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Content-Type", "X-CSRF-Token"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	var mediaOrigin string
	if cfg.Storage.Backend == "s3" {
		mediaOrigin = cfg.Storage.S3.PublicURL
	}
	mux.Use(NewSecurityHeadersMiddleware(mediaOrigin))

	mux.Get("/healthz", MakeHandler(app, HandleHealth))
	mux.Handle("/metrics", promhttp.Handler())
	if cfg.Storage.Backend == "local" {
		mux.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadDir))))
	}

	mux.Group(func(r chi.Router) {
		r.Use(LimitBody(cfg.MaxUploadSize + formOverhead))
		r.Use(SessionMiddleware(app))
		r.Use(CSRFMiddleware(app))

		r.Get("/", MakeHandler(app, HandleHome))
		r.Get("/session", MakeHandler(app, HandleSession))
		r.Get("/thread/{id}", MakeHandler(app, HandleThread))
		r.Get("/thread/{id}/replies", MakeHandler(app, HandleReplies))
		r.Post("/thread", MakeHandler(app, HandleNewThread))
		r.Post("/thread/{id}/reply", MakeHandler(app, HandleReply))

		r.Route("/mod", func(r chi.Router) {
			r.Post("/login", MakeHandler(app, HandleLogin))
			r.Post("/logout", MakeHandler(app, HandleLogout))

			r.Group(func(r chi.Router) {
				r.Use(RequireModerator(app))
				r.Get("/log", MakeHandler(app, HandleModLog))
				r.Post("/board-lock", MakeHandler(app, HandleBoardLock))
				r.Post("/backup", MakeHandler(app, HandleDatabaseBackup))
				r.Get("/{action}/{id}", MakeHandler(app, HandleModeration))
				r.Post("/{action}/{id}", MakeHandler(app, HandleModeration))
			})
		})
	})

	return mux
}
