package api

import (
	"time"

	"github.com/vec-tools/toolhub/internal/catalog"
	"github.com/vec-tools/toolhub/internal/storage"
)

// --- Auth ---

// LoginReq is the JSON body for POST /api/login.
type LoginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserResp describes an account without its password hash.
type UserResp struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// LoginResp includes the bearer token (also set as a cookie).
type LoginResp struct {
	Token string   `json:"token"`
	User  UserResp `json:"user"`
}

// ChangePasswordReq is the JSON body for POST /api/profile/password.
type ChangePasswordReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// --- Tools & runs ---

// ToolListResp is the grouped tool listing shown on the dashboard.
type ToolListResp struct {
	Groups []catalog.Group `json:"groups"`
	Total  int             `json:"total"`
}

// RunReq is the JSON body for POST /api/run.
type RunReq struct {
	Relpath  string `json:"relpath"`
	TimeoutS int    `json:"timeout_s,omitempty"`
}

// RunStateResp is the polled execution state of the caller's session.
type RunStateResp struct {
	Running         bool   `json:"running"`
	SelectedRelpath string `json:"selected_relpath"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	OK              bool   `json:"ok"`
	ModalOpen       bool   `json:"modal_open"`
}

// --- Admin: users ---

// CreateUserReq is the JSON body for POST /api/admin/users.
type CreateUserReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

// UpdateUserReq is the JSON body for PATCH /api/admin/users/{id}.
type UpdateUserReq struct {
	Email   *string `json:"email,omitempty"`
	IsAdmin *bool   `json:"is_admin,omitempty"`
}

// SetPasswordReq is the JSON body for POST /api/admin/users/{id}/password.
type SetPasswordReq struct {
	NewPassword string `json:"new_password"`
}

// AdminUserResp is one row of the user administration view.
type AdminUserResp struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	IsAdmin    bool      `json:"is_admin"`
	GrantCount int       `json:"grant_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// --- Admin: permissions & grants ---

// PermissionResp is one whitelisted script permission.
type PermissionResp struct {
	ID            int64  `json:"id"`
	ScriptRelpath string `json:"script_relpath"`
	Description   string `json:"description"`
}

// GrantsResp lists the permission ids a user holds.
type GrantsResp struct {
	UserID        int64   `json:"user_id"`
	PermissionIDs []int64 `json:"permission_ids"`
}

// ToggleGrantReq is the JSON body for POST /api/admin/users/{id}/grants.
type ToggleGrantReq struct {
	PermissionID int64 `json:"permission_id"`
	Granted      bool  `json:"granted"`
}

// --- Admin: execution history ---

// ExecutionListResp is the paginated execution history.
type ExecutionListResp struct {
	Executions []storage.ExecutionRow `json:"executions"`
	Total      int                    `json:"total"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"page_size"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
