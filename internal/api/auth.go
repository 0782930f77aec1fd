package api

import (
	"net/http"

	"github.com/vec-tools/toolhub/internal/authz"
	"github.com/vec-tools/toolhub/internal/directory"
	"go.uber.org/zap"
)

func (d *Dependencies) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Username and password are required"})
		return
	}

	user, err := d.Directory.FindUserByUsername(r.Context(), req.Username)
	if err != nil {
		d.Logger.Error("login lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Login failed"})
		return
	}
	// Same response for unknown username and wrong password.
	if user == nil || !directory.VerifyPassword(req.Password, user.PasswordHash) {
		writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid username or password"})
		return
	}

	sess := d.Sessions.Create(authz.Identity{
		UserID:   user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
	})

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		MaxAge:   int(d.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	d.Logger.Info("user logged in",
		zap.Int64("user_id", user.ID),
		zap.String("username", user.Username),
	)
	writeJSON(w, http.StatusOK, LoginResp{Token: sess.Token, User: userToResp(user)})
}

func (d *Dependencies) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	d.Sessions.Destroy(sess.Token)

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (d *Dependencies) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	user, err := d.Directory.FindUserByID(r.Context(), sess.Identity.UserID)
	if err != nil {
		d.Logger.Error("me lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Lookup failed"})
		return
	}
	if user == nil {
		// Account deleted while the session was live.
		d.Sessions.Destroy(sess.Token)
		writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Account no longer exists"})
		return
	}
	writeJSON(w, http.StatusOK, userToResp(user))
}

func (d *Dependencies) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	var req ChangePasswordReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.NewPassword == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "New password must not be empty"})
		return
	}

	user, err := d.Directory.FindUserByID(r.Context(), sess.Identity.UserID)
	if err != nil || user == nil {
		d.Logger.Error("password change lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Password change failed"})
		return
	}
	if !directory.VerifyPassword(req.CurrentPassword, user.PasswordHash) {
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Current password is incorrect"})
		return
	}

	hash, err := directory.HashPassword(req.NewPassword)
	if err != nil {
		d.Logger.Error("password hash failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Password change failed"})
		return
	}
	if err := d.Directory.SetPasswordHash(r.Context(), user.ID, hash); err != nil {
		d.Logger.Error("password update failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Password change failed"})
		return
	}

	d.Logger.Info("password changed", zap.Int64("user_id", user.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

func userToResp(u *directory.User) UserResp {
	return UserResp{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		IsAdmin:   u.IsAdmin,
		CreatedAt: u.CreatedAt,
	}
}
