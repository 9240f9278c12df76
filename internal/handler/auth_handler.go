package handler

import (
	"context"
	"html"
	"net/http"
	"net/url"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/mailer"
	"github.com/aivf/internal/service"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	sessionUserIDKey   = "user_id"
	sessionRoleKey     = "role"
	sessionClinicIDKey = "clinic_id"
	currentUserKey     = "__current_user"
)

// sessionUser 是会话中保存的登录身份。
type sessionUser struct {
	ID       uint
	Role     string
	ClinicID uint
}

type registerRequest struct {
	ClinicName string `json:"clinicName"`
	FullName   string `json:"fullName"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type setPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// RegisterClinic 注册诊所及其首个管理员，并直接登录。
func (a *API) RegisterClinic(c *gin.Context) {
	var req registerRequest
	if !bindJSON(c, &req, "invalid registration payload") {
		return
	}

	user, err := a.accounts.RegisterClinic(service.RegisterClinicInput{
		ClinicName: req.ClinicName,
		FullName:   req.FullName,
		Email:      req.Email,
		Password:   req.Password,
	})
	if err != nil {
		respondServiceError(c, err, "registration failed")
		return
	}

	if !saveSession(c, user) {
		return
	}
	a.log.Info("clinic registered", "clinic_id", derefUint(user.ClinicID), "user_id", user.ID)
	c.JSON(http.StatusCreated, gin.H{"user": userToPayload(*user)})
}

// Login 校验邮箱与密码后写入会话。
func (a *API) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req, "invalid login payload") {
		return
	}

	user, err := a.accounts.Authenticate(req.Email, req.Password)
	if err != nil {
		respondServiceError(c, err, "login failed")
		return
	}
	if !saveSession(c, user) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userToPayload(*user)})
}

// Logout 清空会话。
func (a *API) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to clear session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"loggedOut": true})
}

// SetPassword 通过一次性链接设置密码。
func (a *API) SetPassword(c *gin.Context) {
	var req setPasswordRequest
	if !bindJSON(c, &req, "invalid payload") {
		return
	}
	if err := a.accounts.SetPassword(req.Token, req.Password); err != nil {
		respondServiceError(c, err, "failed to set password")
		return
	}
	c.JSON(http.StatusOK, gin.H{"passwordSet": true})
}

// Me 返回当前登录用户。
func (a *API) Me(c *gin.Context) {
	current := currentUser(c)
	user, err := a.accounts.GetUser(current.ID)
	if err != nil {
		respondServiceError(c, err, "failed to load user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userToPayload(*user)})
}

// AuthRequired 要求请求携带有效会话。
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		userID, ok := session.Get(sessionUserIDKey).(uint)
		if !ok || userID == 0 {
			respondError(c, http.StatusUnauthorized, "authentication required")
			c.Abort()
			return
		}
		role, _ := session.Get(sessionRoleKey).(string)
		clinicID, _ := session.Get(sessionClinicIDKey).(uint)
		c.Set(currentUserKey, sessionUser{ID: userID, Role: role, ClinicID: clinicID})
		c.Next()
	}
}

// RoleRequired 要求当前用户具有指定角色。
func RoleRequired(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if currentUser(c).Role != role {
			respondError(c, http.StatusForbidden, "forbidden")
			c.Abort()
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) sessionUser {
	if value, ok := c.Get(currentUserKey); ok {
		if user, ok := value.(sessionUser); ok {
			return user
		}
	}
	return sessionUser{}
}

func saveSession(c *gin.Context, user *db.User) bool {
	session := sessions.Default(c)
	session.Clear()
	session.Set(sessionUserIDKey, user.ID)
	session.Set(sessionRoleKey, user.Role)
	session.Set(sessionClinicIDKey, derefUint(user.ClinicID))
	if err := session.Save(); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to save session")
		return false
	}
	return true
}

// sendSetupLink 邮件发送失败只记录日志，链接仍会返回给管理员。
func (a *API) sendSetupLink(ctx context.Context, user *db.User, token string) (string, bool) {
	link := a.siteBaseURL + "/set-password?token=" + url.QueryEscape(token)
	msg := mailer.Message{
		To:      user.Email,
		Subject: "Set up your patient account",
		HTML: "<p>Hello " + html.EscapeString(user.Name) + ",</p>" +
			"<p>Your clinic has created an account for you. Use the link below to choose a password. The link expires in one hour.</p>" +
			`<p><a href="` + html.EscapeString(link) + `">Set my password</a></p>`,
	}
	if err := a.mailer.Send(ctx, msg); err != nil {
		a.log.Warn("setup link not delivered", "user_id", user.ID, "error", err)
		return link, false
	}
	return link, true
}

func userToPayload(user db.User) gin.H {
	payload := gin.H{
		"id":          user.ID,
		"name":        user.Name,
		"email":       user.Email,
		"role":        user.Role,
		"clinicId":    derefUint(user.ClinicID),
		"hasPassword": user.HasPassword(),
	}
	if user.Clinic != nil {
		payload["clinicName"] = user.Clinic.Name
	}
	if user.DateOfBirth != nil {
		payload["dateOfBirth"] = user.DateOfBirth.Format(dateFormat)
	}
	return payload
}

func derefUint(v *uint) uint {
	if v == nil {
		return 0
	}
	return *v
}
