/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     zap request logging with the request ID
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/periods/*        Period lifecycle, runs, calculations, exceptions
  /api/runs/*           Run progress and abort
  /api/calculations/*   Calculation versions
  /api/exceptions/*     Exception resolution
  /api/adjustments/*    Adjustment workflow
  /api/employees/*      Employee inputs
  /api/rate-tables      Rate table versions
  /api/scenarios/*      Demo scenarios
  /api/handoff/run      Payment handoff pass

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Period routes
		r.Route("/periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.Post("/", h.CreatePeriod)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetPeriod)
				r.Post("/archive", h.ArchivePeriod)
				r.Get("/ledger", h.GetLedger)
				r.Post("/transitions", h.Transition)
				r.Get("/payment-set", h.GetPaymentSet)
				r.Get("/runs", h.ListRuns)
				r.Post("/runs", h.StartRun)
				r.Get("/calculations", h.ListCalculations)
				r.Get("/employees/{emp}/versions", h.ListVersions)
				r.Post("/employees/{emp}/recalculate", h.RecalculateEmployee)
				r.Get("/exceptions", h.ListExceptions)
				r.Get("/exceptions/blocking", h.ListBlockingExceptions)
				r.Get("/adjustments", h.ListAdjustments)
			})
		})

		// Run routes
		r.Route("/runs", func(r chi.Router) {
			r.Get("/{id}", h.GetRun)
			r.Post("/{id}/abort", h.AbortRun)
		})

		r.Get("/calculations/{id}", h.GetCalculation)
		r.Post("/exceptions/{id}/resolve", h.ResolveException)

		// Adjustment routes
		r.Route("/adjustments", func(r chi.Router) {
			r.Post("/", h.ProposeAdjustment)
			r.Get("/{id}", h.GetAdjustment)
			r.Post("/{id}/decision", h.DecideAdjustment)
			r.Post("/{id}/apply", h.ApplyAdjustment)
		})

		// Employee input routes
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.SaveEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Put("/{id}/salary", h.SetSalary)
			r.Put("/{id}/attendance", h.RecordAttendance)
			r.Put("/{id}/leave", h.RecordLeave)
			r.Post("/{id}/entries", h.AddPayEntry)
			r.Put("/{id}/entries/{entryID}/end", h.EndPayEntry)
		})

		r.Route("/rate-tables", func(r chi.Router) {
			r.Get("/", h.ListRateTables)
			r.Post("/", h.CreateRateTables)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		r.Post("/handoff/run", h.RunHandoff)
	})

	return r
}

// requestLogger logs one line per request with its status and duration.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
