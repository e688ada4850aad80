package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// our logger, after RequestID
	r.Use(RequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/generate-descriptions", h.GenerateDescriptions)

		r.Get("/batch-status/{id}", h.BatchStatus)
		r.Get("/batch-results/{id}", h.BatchResults)
		r.Get("/batch-results/{id}/download", h.DownloadResults)

		r.Get("/batch-jobs", h.ListJobs)
		r.Post("/batch-jobs/{id}/cancel", h.CancelJob)

		r.Get("/webhook-deliveries/{job_id}", h.WebhookDelivery)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
