package http

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"skillvault-service/internal/app"
	"skillvault-service/internal/auth"
	"skillvault-service/internal/metrics"
)

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Services *app.Services
	Auth     *auth.Service
	// Limiter guards the anonymous verification endpoint; nil disables limiting.
	Limiter RateLimiter
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger
	// TrustedProxies may set the client address through forwarding headers; empty trusts nobody.
	TrustedProxies []*net.IPNet
}

// NewRouter wires the REST API, the public verification endpoint and the proctoring websocket.
func NewRouter(deps Deps) http.Handler {
	if deps.Log == nil {
		discard := logrus.New()
		discard.SetLevel(logrus.PanicLevel)
		deps.Log = discard
	}
	api := &API{
		services: deps.Services,
		validate: validator.New(),
		log:      deps.Log,
	}
	ws := NewWSHandler(deps.Services.Proctor, deps.Log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(realIP(deps.TrustedProxies))
	r.Use(requestLogger(deps.Log, deps.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.With(rateLimit(deps.Limiter, deps.Log)).Get("/verify/{code}", api.verify)

	r.Group(func(r chi.Router) {
		r.Use(authenticate(deps.Auth))

		r.Route("/api", func(r chi.Router) {
			r.Post("/attempts", api.startAttempt)
			r.Get("/attempts/{id}", api.getAttempt)
			r.Post("/attempts/{id}/submit", api.submitAttempt)
			r.Post("/attempts/{id}/flags", api.recordFlags)
			r.Get("/attempts/{id}/integrity", api.integrity)
			r.Post("/attempts/{id}/certificate", api.issueCertificate)

			r.Get("/me/skills", api.mySkills)
			r.Get("/me/streak", api.myStreak)
			r.Get("/me/certificates", api.myCertificates)

			r.Post("/certificates/{id}/revoke", api.revokeCertificate)
		})

		r.Get("/ws/attempts/{id}/proctor", ws.ServeWS)
	})
	return r
}
