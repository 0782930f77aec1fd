package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/vec-tools/toolhub/internal/catalog"
	"github.com/vec-tools/toolhub/internal/directory"
	"github.com/vec-tools/toolhub/internal/storage"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListUsers(w http.ResponseWriter, r *http.Request) {
	summaries, err := d.Directory.ListNonAdminSummaries(r.Context())
	if err != nil {
		d.Logger.Error("failed to list users", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list users"})
		return
	}

	out := make([]AdminUserResp, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, AdminUserResp{
			ID:         s.ID,
			Username:   s.Username,
			Email:      s.Email,
			IsAdmin:    s.IsAdmin,
			GrantCount: s.GrantCount,
			CreatedAt:  s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dependencies) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Username and password are required"})
		return
	}

	hash, err := directory.HashPassword(req.Password)
	if err != nil {
		d.Logger.Error("password hash failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create user"})
		return
	}

	user, err := d.Directory.CreateUser(r.Context(), req.Username, hash, req.Email, req.IsAdmin)
	if err != nil {
		if errors.Is(err, directory.ErrUsernameTaken) {
			writeJSON(w, http.StatusConflict, ErrorResp{Detail: "Username is already taken"})
			return
		}
		d.Logger.Error("failed to create user", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create user"})
		return
	}

	d.Logger.Info("user created",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.Username),
		zap.Bool("is_admin", user.IsAdmin),
	)
	writeJSON(w, http.StatusCreated, userToResp(user))
}

func (d *Dependencies) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req UpdateUserReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	user, err := d.Directory.FindUserByID(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to load user", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update user"})
		return
	}
	if user == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "User not found"})
		return
	}

	email := user.Email
	if req.Email != nil {
		email = *req.Email
	}
	isAdmin := user.IsAdmin
	if req.IsAdmin != nil {
		isAdmin = *req.IsAdmin
	}

	if err := d.Directory.UpdateUser(r.Context(), id, email, isAdmin); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "User not found"})
			return
		}
		d.Logger.Error("failed to update user", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update user"})
		return
	}

	// Admin status feeds the authorization bypass, so cached grants and live
	// sessions must not outlive the change.
	if isAdmin != user.IsAdmin {
		d.Authorizer.Invalidate(id)
		d.Sessions.DestroyForUser(id)
	}

	user.Email = email
	user.IsAdmin = isAdmin
	writeJSON(w, http.StatusOK, userToResp(user))
}

func (d *Dependencies) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	sess := sessionFromContext(r.Context())
	if sess.Identity.UserID == id {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Cannot delete your own account"})
		return
	}

	if err := d.Directory.DeleteUser(r.Context(), id); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "User not found"})
			return
		}
		d.Logger.Error("failed to delete user", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete user"})
		return
	}

	d.Sessions.DestroyForUser(id)
	d.Authorizer.Invalidate(id)

	d.Logger.Info("user deleted", zap.Int64("user_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (d *Dependencies) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req SetPasswordReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.NewPassword == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "New password must not be empty"})
		return
	}

	hash, err := directory.HashPassword(req.NewPassword)
	if err != nil {
		d.Logger.Error("password hash failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to set password"})
		return
	}

	if err := d.Directory.SetPasswordHash(r.Context(), id, hash); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "User not found"})
			return
		}
		d.Logger.Error("failed to set password", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to set password"})
		return
	}

	d.Logger.Info("password set by admin", zap.Int64("user_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "password set"})
}

func (d *Dependencies) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	// Re-scan so newly added scripts show up without waiting for a dashboard
	// visit.
	tools := d.Scanner.Discover()
	if _, err := d.Directory.SyncPermissions(r.Context(), catalog.Relpaths(tools)); err != nil {
		d.Logger.Warn("permission sync failed", zap.Error(err))
	}

	perms, err := d.Directory.ListPermissions(r.Context())
	if err != nil {
		d.Logger.Error("failed to list permissions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list permissions"})
		return
	}

	out := make([]PermissionResp, 0, len(perms))
	for _, p := range perms {
		out = append(out, PermissionResp{
			ID:            p.ID,
			ScriptRelpath: p.ScriptRelpath,
			Description:   p.Description,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dependencies) handleListGrants(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ids, err := d.Directory.ListGrantedPermissionIDs(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to list grants", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list grants"})
		return
	}

	out := make([]int64, 0, len(ids))
	for pid := range ids {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	writeJSON(w, http.StatusOK, GrantsResp{UserID: id, PermissionIDs: out})
}

func (d *Dependencies) handleToggleGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req ToggleGrantReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.PermissionID == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "permission_id is required"})
		return
	}

	var err error
	if req.Granted {
		err = d.Directory.Grant(r.Context(), id, req.PermissionID)
	} else {
		err = d.Directory.Revoke(r.Context(), id, req.PermissionID)
	}
	if err != nil {
		d.Logger.Error("failed to toggle grant", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to toggle grant"})
		return
	}

	// A revocation takes effect on the user's next run attempt.
	d.Authorizer.Invalidate(id)

	d.Logger.Info("grant toggled",
		zap.Int64("user_id", id),
		zap.Int64("permission_id", req.PermissionID),
		zap.Bool("granted", req.Granted),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"granted": req.Granted})
}

func (d *Dependencies) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	params := storage.ListExecutionsParams{
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.Page < 1 {
		params.Page = 1
	}

	if v := q.Get("username"); v != "" {
		params.Username = &v
	}
	if v := q.Get("relpath"); v != "" {
		params.Relpath = &v
	}
	if v := q.Get("denied"); v != "" {
		b := v == "true" || v == "1"
		params.Denied = &b
	}
	if v := q.Get("timed_out"); v != "" {
		b := v == "true" || v == "1"
		params.TimedOut = &b
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	executions, total, err := d.Reader.ListExecutions(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list executions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list executions"})
		return
	}
	if executions == nil {
		executions = []storage.ExecutionRow{}
	}

	writeJSON(w, http.StatusOK, ExecutionListResp{
		Executions: executions,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.PageSize,
	})
}

// pathID parses the {id} path segment, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid user id"})
		return 0, false
	}
	return id, true
}

func queryInt(q interface{ Get(string) string }, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
