package feed

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Get("/healthz", s.handleHealth)
	r.Get("/{topic}/json", s.handleSubscribe)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware())
		r.Post("/{topic}", s.handlePublish)
	})

	return r
}

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// corsMiddleware returns a CORS handler. Origins are reflected so browser
// dashboards can subscribe from anywhere.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Content-Type", "Title", "Tags", "X-Run-ID", "X-Event-Type",
		},
		AllowOriginFunc: func(_ *http.Request, _ string) bool {
			return true
		},
		MaxAge: 300,
	})
}
