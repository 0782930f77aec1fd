package api

import (
	"net/http"
	"time"

	"github.com/vec-tools/toolhub/internal/authz"
	"github.com/vec-tools/toolhub/internal/catalog"
	"github.com/vec-tools/toolhub/internal/directory"
	"github.com/vec-tools/toolhub/internal/engine"
	"github.com/vec-tools/toolhub/internal/session"
	"github.com/vec-tools/toolhub/internal/storage"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Directory  *directory.Store
	Scanner    *catalog.Scanner
	Authorizer *authz.Authorizer
	Runner     *engine.Runner
	Sessions   *session.Manager
	Writer     storage.EventWriter
	Reader     *storage.Reader // nil if ClickHouse unavailable
	Logger     *zap.Logger
	SessionTTL time.Duration
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Auth & profile
	mux.HandleFunc("POST /api/login", deps.handleLogin)
	mux.HandleFunc("POST /api/logout", deps.sessionMiddleware(deps.handleLogout))
	mux.HandleFunc("GET /api/me", deps.sessionMiddleware(deps.handleMe))
	mux.HandleFunc("POST /api/profile/password", deps.sessionMiddleware(deps.handleChangePassword))

	// Tool catalog & execution
	mux.HandleFunc("GET /api/tools", deps.sessionMiddleware(deps.handleListTools))
	mux.HandleFunc("POST /api/run", deps.sessionMiddleware(deps.handleRun))
	mux.HandleFunc("GET /api/run/state", deps.sessionMiddleware(deps.handleRunState))
	mux.HandleFunc("POST /api/run/close", deps.sessionMiddleware(deps.handleRunClose))

	// Administration
	mux.HandleFunc("GET /api/admin/users", deps.adminMiddleware(deps.handleListUsers))
	mux.HandleFunc("POST /api/admin/users", deps.adminMiddleware(deps.handleCreateUser))
	mux.HandleFunc("PATCH /api/admin/users/{id}", deps.adminMiddleware(deps.handleUpdateUser))
	mux.HandleFunc("DELETE /api/admin/users/{id}", deps.adminMiddleware(deps.handleDeleteUser))
	mux.HandleFunc("POST /api/admin/users/{id}/password", deps.adminMiddleware(deps.handleSetPassword))
	mux.HandleFunc("GET /api/admin/permissions", deps.adminMiddleware(deps.handleListPermissions))
	mux.HandleFunc("GET /api/admin/users/{id}/grants", deps.adminMiddleware(deps.handleListGrants))
	mux.HandleFunc("POST /api/admin/users/{id}/grants", deps.adminMiddleware(deps.handleToggleGrant))
	mux.HandleFunc("GET /api/admin/executions", deps.adminMiddleware(deps.handleListExecutions))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
