package server

import "net/http"

// routes builds the request mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/import", s.handleImport)
	mux.HandleFunc("GET /api/pages", s.handleListPages)
	mux.HandleFunc("GET /api/pages/{id}", s.handleGetPage)
	mux.HandleFunc("GET /api/pages/{id}/image", s.handlePageImage)
	mux.HandleFunc("GET /api/pages/{id}/thumb", s.handlePageThumb)
	mux.HandleFunc("POST /api/pages/{id}/recognize", s.handleRecognize)
	mux.HandleFunc("POST /api/pages/{id}/generate", s.handleGenerate)
	mux.HandleFunc("DELETE /api/pages", s.handleDeletePages)
	mux.HandleFunc("POST /api/pages/reorder", s.handleReorder)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	return mux
}
