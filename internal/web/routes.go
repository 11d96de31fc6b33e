package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/web/handlers"
	"github.com/kozaktomas/face-attendance/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	svc := s.services

	// Create handlers
	healthHandler := handlers.NewHealthHandler(svc.DB, svc.Embedder)
	configHandler := handlers.NewConfigHandler(s.config, svc.Processor)
	statsHandler := handlers.NewStatsHandler(svc.Students, svc.Ledger, svc.Roster, svc.Processor)
	studentsHandler := handlers.NewStudentsHandler(s.config, svc.Students, svc.Roster, svc.Embedder, statsHandler)
	matchHandler := handlers.NewMatchHandler(svc.Matcher, svc.Processor)
	attendanceHandler := handlers.NewAttendanceHandler(svc.Ledger, svc.Students, svc.Events, statsHandler)
	captureHandler := handlers.NewCaptureHandler(svc.Controller, svc.Embedder, svc.Events, s.config.Capture.MaxImageSize)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", healthHandler.Get)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Read-only routes
		r.Get("/config", configHandler.Get)
		r.Get("/stats", statsHandler.Get)
		r.Get("/students", studentsHandler.List)
		r.Get("/students/{id}", studentsHandler.Get)
		r.Post("/match", matchHandler.Match)
		r.Get("/attendance", attendanceHandler.List)
		r.Get("/attendance/today", attendanceHandler.Today)
		r.Get("/capture/status", captureHandler.Status)
		r.Get("/capture/events", captureHandler.Events)

		// Everything that writes attendance or the roster requires the admin token
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminToken(s.config.Web.AdminToken))

			// Students
			r.Post("/students", studentsHandler.Create)
			r.Delete("/students/{id}", studentsHandler.Delete)
			r.Post("/roster/reload", studentsHandler.Reload)

			// Recognition
			r.Post("/observations", matchHandler.Observe)
			r.Put("/config/recognition", configHandler.UpdateRecognition)

			// Attendance
			r.Post("/attendance/events", attendanceHandler.RecordEvent)
			r.Post("/attendance/close-day", attendanceHandler.CloseDay)

			// Capture
			r.Post("/capture/start", captureHandler.Start)
			r.Post("/capture/stop", captureHandler.Stop)
			r.Post("/capture/frames", captureHandler.Frame)
		})
	})
}
