package handler

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/metrics"
	"qrattend/internal/securetoken"
)

// RefreshInterval is how often a student display should fetch a new token.
const RefreshInterval = 30 * time.Second

// Config carries what the handlers need beyond the service.
type Config struct {
	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	QRPNGSize     int
}

type Handler struct {
	svc    *attendance.Service
	issuer *securetoken.Issuer
	cfg    Config
}

func New(svc *attendance.Service, issuer *securetoken.Issuer, cfg Config) *Handler {
	if cfg.QRPNGSize <= 0 {
		cfg.QRPNGSize = 256
	}
	return &Handler{svc: svc, issuer: issuer, cfg: cfg}
}

// Register mounts the /v1 API. limit, if non-nil, guards the check-in routes.
func (h *Handler) Register(r gin.IRouter, limit gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.POST("/auth/login", h.Login)

	authed := v1.Group("", auth.Authenticate(h.cfg.JWTSigningKey, h.cfg.JWTIssuer))
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}
	student := auth.RequireRole(auth.RoleStudent)
	staff := auth.RequireRole(auth.RoleProfessor, auth.RoleAdmin)

	authed.GET("/me", h.Me)
	authed.GET("/courses", h.ListCourses)

	authed.GET("/secure-token", student, h.SecureToken)
	authed.GET("/secure-token.png", student, h.SecureTokenPNG)
	authed.GET("/attendance/me", student, h.MyAttendance)
	authed.POST("/courses/:id/self-checkin", student, limit, h.SelfCheckIn)

	authed.POST("/checkins", staff, limit, h.SubmitCheckIn)
	authed.GET("/courses/:id/trend", staff, h.Trend)
	authed.PATCH("/courses/:id/mode", staff, h.ToggleMode)
	authed.GET("/courses/:id/attendance", staff, h.CourseAttendance)
	authed.PATCH("/attendance/:id", staff, h.Review)
	authed.GET("/audit-events", staff, h.AuditEvents)
}

// ---------- Auth ----------

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges credentials for a bearer token.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_fields"})
		return
	}
	u, err := h.svc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, "login", err)
		return
	}
	tok, err := auth.Issue(auth.Identity{UserID: u.ID, Name: u.FullName, Role: u.Role}, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL)
	if err != nil {
		respondError(c, "issue access token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      tok.AccessToken,
		"expires_at": tok.ExpiresAt.Unix(),
		"user":       u,
	})
}

func (h *Handler) Me(c *gin.Context) {
	who, _ := auth.FromContext(c)
	u, err := h.svc.User(c.Request.Context(), who.UserID)
	if err != nil {
		respondError(c, "me", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// ---------- Secure tokens ----------

func (h *Handler) issueFor(c *gin.Context) (securetoken.Token, bool) {
	who, _ := auth.FromContext(c)
	u, err := h.svc.User(c.Request.Context(), who.UserID)
	if err != nil {
		respondError(c, "secure token lookup", err)
		return securetoken.Token{}, false
	}
	tok, err := h.issuer.Issue(u.Identifier)
	if err != nil {
		respondError(c, "secure token issue", err)
		return securetoken.Token{}, false
	}
	metrics.TokensIssued.Inc()
	return tok, true
}

// SecureToken returns a fresh rotating payload for the caller's display.
func (h *Handler) SecureToken(c *gin.Context) {
	tok, ok := h.issueFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payload":       tok.Encode(),
		"expires_at":    tok.ExpiresAt.UnixMilli(),
		"refresh_after": int(RefreshInterval.Seconds()),
	})
}

// SecureTokenPNG renders the payload as a QR image.
func (h *Handler) SecureTokenPNG(c *gin.Context) {
	tok, ok := h.issueFor(c)
	if !ok {
		return
	}
	png, err := qrcode.Encode(tok.Encode(), qrcode.Medium, h.cfg.QRPNGSize)
	if err != nil {
		respondError(c, "render qr", err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// ---------- Check-ins ----------

type checkInRequest struct {
	QR      string `json:"qr"`
	Course  string `json:"course"`
	Status  string `json:"status"`
	Remarks string `json:"remarks"`
}

// SubmitCheckIn records a scanned code.
func (h *Handler) SubmitCheckIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	who, _ := auth.FromContext(c)
	rec, err := h.svc.CheckIn(c.Request.Context(), attendance.CheckInRequest{
		Code:       req.QR,
		CourseCode: req.Course,
		Status:     req.Status,
		Remarks:    req.Remarks,
		Actor:      who,
	})
	if err != nil {
		respondError(c, "checkin", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "record": rec})
}

// SelfCheckIn records an online check-in for the calling student.
func (h *Handler) SelfCheckIn(c *gin.Context) {
	courseID, ok := pathID(c)
	if !ok {
		return
	}
	who, _ := auth.FromContext(c)
	rec, err := h.svc.SelfCheckIn(c.Request.Context(), who, courseID)
	if err != nil {
		respondError(c, "self checkin", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "record": rec})
}

// ---------- Courses ----------

func (h *Handler) ListCourses(c *gin.Context) {
	courses, err := h.svc.Courses(c.Request.Context())
	if err != nil {
		respondError(c, "list courses", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"courses": courses})
}

func (h *Handler) Trend(c *gin.Context) {
	courseID, ok := pathID(c)
	if !ok {
		return
	}
	est, err := h.svc.Trend(c.Request.Context(), courseID)
	if err != nil {
		respondError(c, "trend", err)
		return
	}
	c.JSON(http.StatusOK, est)
}

type modeRequest struct {
	IsOnline     *bool `json:"is_online"`
	SecureQRMode *bool `json:"secure_qr_mode"`
}

func (h *Handler) ToggleMode(c *gin.Context) {
	courseID, ok := pathID(c)
	if !ok {
		return
	}
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	who, _ := auth.FromContext(c)
	course, err := h.svc.ToggleMode(c.Request.Context(), who, courseID, req.IsOnline, req.SecureQRMode)
	if err != nil {
		respondError(c, "toggle mode", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "course": course})
}

func (h *Handler) CourseAttendance(c *gin.Context) {
	courseID, ok := pathID(c)
	if !ok {
		return
	}
	recs, err := h.svc.CourseRecords(c.Request.Context(), courseID)
	if err != nil {
		respondError(c, "course attendance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// ---------- Records ----------

func (h *Handler) MyAttendance(c *gin.Context) {
	who, _ := auth.FromContext(c)
	recs, err := h.svc.StudentRecords(c.Request.Context(), who.UserID, queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, "my attendance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

type reviewRequest struct {
	Status  string `json:"status"`
	Remarks string `json:"remarks"`
}

// Review lets staff change a record's status, e.g. approving an excuse.
func (h *Handler) Review(c *gin.Context) {
	recordID, ok := pathID(c)
	if !ok {
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	who, _ := auth.FromContext(c)
	rec, err := h.svc.Review(c.Request.Context(), who, recordID, req.Status, req.Remarks)
	if err != nil {
		respondError(c, "review", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "record": rec})
}

func (h *Handler) AuditEvents(c *gin.Context) {
	events, err := h.svc.AuditEvents(c.Request.Context(), queryInt(c, "limit", 100))
	if err != nil {
		respondError(c, "audit events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ---------- helpers ----------

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// respondError maps rejections to their status and hides everything else
// behind an opaque server error.
func respondError(c *gin.Context, op string, err error) {
	e, ok := attendance.AsError(err)
	if !ok {
		log.Printf("%s failed: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(statusFor(e), gin.H{"error": e.Code})
}

func statusFor(e *attendance.Error) int {
	switch e.Kind {
	case attendance.KindValidation:
		return http.StatusBadRequest
	case attendance.KindNotFound:
		return http.StatusNotFound
	case attendance.KindConflict:
		return http.StatusConflict
	case attendance.KindUnauthorized:
		return http.StatusUnauthorized
	case attendance.KindPolicy:
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}
