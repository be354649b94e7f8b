package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/driftspace/drift/internal/api/v1"
	"github.com/driftspace/drift/internal/api/ws"
	"github.com/driftspace/drift/internal/session"
	"github.com/driftspace/drift/internal/store/postgres"
)

func registerAPIRoutes(api huma.API, store *postgres.Store, registry *session.Registry, runner *session.Runner, supervisor *session.Supervisor) {
	v1.RegisterSessionRoutes(api, store, registry, runner, supervisor)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/sessions/{sessionID}", hub.ServeSession)
	r.Get("/scenes/{sceneID}", hub.ServeScene)
}
