package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/behavauth/internal/contextdrift"
	"github.com/mbd888/behavauth/internal/logging"
	"github.com/mbd888/behavauth/internal/validation"
)

// Handler provides HTTP endpoints for the risk API.
type Handler struct {
	service *Service
}

// NewHandler creates a new session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the risk API routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/", h.Root)
	r.POST("/predict", h.Predict)
	r.POST("/end-session", h.EndSession)
	r.GET("/all-users-meta", h.AllUsersMeta)

	check := validation.UserIDParamMiddleware()
	byUser := func(c *gin.Context) { scopeUser(c, c.Param("user_id")) }
	r.POST("/store-device-profile/:user_id", check, byUser, h.StoreDeviceProfile)
	r.GET("/device-profile/:user_id", check, byUser, h.GetDeviceProfile)
	r.GET("/model-meta/:user_id", check, byUser, h.GetModelMeta)
	r.GET("/session-data/:user_id", check, byUser, h.GetSessionData)
	r.DELETE("/reset-user-data/:user_id", check, byUser, h.ResetUserData)
}

// Root handles GET /
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Behavior Auth API is running"})
}

// Predict handles POST /predict
func (h *Handler) Predict(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if !validUser(c, req.UserID) || !validContext(c, "", &req.Context) {
		return
	}

	pred, err := h.service.Predict(c.Request.Context(), &req)
	if err != nil {
		internalError(c, "prediction_failed", "Failed to score snapshot", err)
		return
	}
	c.JSON(http.StatusOK, pred)
}

// EndSession handles POST /end-session
func (h *Handler) EndSession(c *gin.Context) {
	var req EndSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c)
		return
	}
	if !validUser(c, req.UserID) {
		return
	}
	if len(req.Snapshots) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "snapshots: at least one snapshot is required",
		})
		return
	}
	for i := range req.Snapshots {
		if !validContext(c, "snapshots.", &req.Snapshots[i].Context) {
			return
		}
	}

	out, err := h.service.EndSession(c.Request.Context(), &req)
	if err != nil {
		internalError(c, "session_failed", "Failed to classify session", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// StoreDeviceProfile handles POST /store-device-profile/:user_id
func (h *Handler) StoreDeviceProfile(c *gin.Context) {
	userID := c.Param("user_id")
	var profile contextdrift.DeviceProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		badBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("os", profile.OS),
		validation.MaxLength("os", profile.OS, 256),
		validation.MaxLength("os_version", profile.OSVersion, 256),
		validation.MaxLength("device_model", profile.DeviceModel, 256),
	); len(errs) > 0 {
		validationError(c, errs)
		return
	}

	if err := h.service.StoreProfile(c.Request.Context(), userID, &profile); err != nil {
		internalError(c, "profile_store_failed", "Failed to store device profile", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Device profile stored for user " + userID + "."})
}

// GetDeviceProfile handles GET /device-profile/:user_id
func (h *Handler) GetDeviceProfile(c *gin.Context) {
	userID := c.Param("user_id")
	profile, err := h.service.Profile(c.Request.Context(), userID)
	if err != nil {
		internalError(c, "internal_error", "Failed to load device profile", err)
		return
	}
	if profile == nil {
		c.JSON(http.StatusOK, gin.H{
			"user_id": userID,
			"message": "Device profile not found. User may not be authenticated yet.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "device_profile": profile})
}

// GetModelMeta handles GET /model-meta/:user_id
func (h *Handler) GetModelMeta(c *gin.Context) {
	meta, err := h.service.ModelMeta(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		internalError(c, "internal_error", "Failed to load model metadata", err)
		return
	}
	if meta == nil {
		c.JSON(http.StatusOK, gin.H{"message": "Metadata not available. Model may not be trained yet"})
		return
	}
	c.JSON(http.StatusOK, meta)
}

// AllUsersMeta handles GET /all-users-meta
func (h *Handler) AllUsersMeta(c *gin.Context) {
	metas, err := h.service.AllUsersMeta(c.Request.Context())
	if err != nil {
		internalError(c, "internal_error", "Failed to list model metadata", err)
		return
	}
	c.JSON(http.StatusOK, metas)
}

// GetSessionData handles GET /session-data/:user_id
func (h *Handler) GetSessionData(c *gin.Context) {
	hist, err := h.service.History(c.Request.Context(), c.Param("user_id"))
	if errors.Is(err, ErrNoHistory) {
		c.JSON(http.StatusOK, gin.H{"message": "User has no session data yet."})
		return
	}
	if err != nil {
		internalError(c, "internal_error", "Failed to load session data", err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

// ResetUserData handles DELETE /reset-user-data/:user_id
func (h *Handler) ResetUserData(c *gin.Context) {
	res, err := h.service.Reset(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		internalError(c, "reset_failed", "Failed to reset user data", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationError(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func validUser(c *gin.Context, userID string) bool {
	if errs := validation.Validate(
		validation.Required("user_id", userID),
		validation.ValidUserID("user_id", userID),
	); len(errs) > 0 {
		validationError(c, errs)
		return false
	}
	scopeUser(c, userID)
	return true
}

// scopeUser tags the request logger with the user being scored.
func scopeUser(c *gin.Context, userID string) {
	c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
}

// validContext rejects coordinates outside the globe. Malformed IPs and
// timestamps are left to scoring, which treats them as unknown.
func validContext(c *gin.Context, prefix string, s *contextdrift.Sample) bool {
	if errs := validation.Validate(
		validation.InRange(prefix+"context.location.latitude", s.Location.Latitude, -90, 90),
		validation.InRange(prefix+"context.location.longitude", s.Location.Longitude, -180, 180),
	); len(errs) > 0 {
		validationError(c, errs)
		return false
	}
	return true
}

func internalError(c *gin.Context, code, message string, err error) {
	logging.L(c.Request.Context()).Error(message, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   code,
		"message": message,
	})
}
