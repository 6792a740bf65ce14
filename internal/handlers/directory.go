package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/facevault/internal/apperr"
	"github.com/example/facevault/internal/imageinput"
	"github.com/example/facevault/internal/logging"
	"github.com/example/facevault/internal/repository"
	"github.com/example/facevault/internal/usecase"
)

const (
	msgDirectoryDisabled = "user directory is disabled"
	msgFaceRegistration  = "Failed to register face"
	msgNotRecognized     = "Face not verified or user not found"
	msgInvalidUserID     = "Invalid user ID returned from face recognition service"
	msgIDMismatch        = "id in body does not match the path"
	msgRecordNotFound    = "record not found"
)

type registerUserRequest struct {
	Photo     string `json:"photo" binding:"required"`
	FirstName string `json:"firstName" binding:"required,max=128"`
	LastName  string `json:"lastName" binding:"required,max=128"`
	Email     string `json:"email" binding:"required,email,max=255"`
	BirthDate string `json:"birthDate" binding:"required,datetime=2006-01-02"`
}

type updateUserRequest struct {
	UserID    uint   `json:"userID"`
	FirstName string `json:"firstName" binding:"required,max=128"`
	LastName  string `json:"lastName" binding:"required,max=128"`
	Email     string `json:"email" binding:"required,email,max=255"`
	BirthDate string `json:"birthDate" binding:"required,datetime=2006-01-02"`
}

type attendanceRequest struct {
	Photo  string `json:"photo" binding:"required"`
	Status string `json:"status" binding:"max=20"`
}

type updateAttendanceRequest struct {
	AttendanceID uint   `json:"attendanceID"`
	UserID       uint   `json:"userID" binding:"required"`
	Status       string `json:"status" binding:"required,max=20"`
	EventDate    string `json:"eventDate" binding:"required,datetime=2006-01-02"`
	EventTime    string `json:"eventTime" binding:"required,datetime=15:04:05"`
}

func registerDirectoryRoutes(api *gin.RouterGroup, h *handler) {
	users := api.Group("/api/users")
	users.GET("", h.listUsers)
	users.GET("/:id", h.getUser)
	users.POST("", h.registerUser)
	users.PUT("/:id", h.updateUser)
	users.DELETE("/:id", h.deleteUser)

	attendances := api.Group("/api/attendances")
	attendances.GET("", h.listAttendances)
	attendances.GET("/:id", h.getAttendance)
	attendances.POST("", h.recordAttendance)
	attendances.PUT("/:id", h.updateAttendance)
	attendances.DELETE("/:id", h.deleteAttendance)
}

func (h *handler) listUsers(c *gin.Context) {
	users, err := h.Directory.ListUsers(c.Request.Context())
	if err != nil {
		h.directoryError(c, err, "failed to list users")
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *handler) getUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	user, err := h.Directory.GetUser(c.Request.Context(), id)
	if err != nil {
		h.directoryError(c, err, "failed to load user")
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *handler) registerUser(c *gin.Context) {
	var req registerUserRequest
	if !h.bindJSON(c, &req) {
		return
	}

	profile := usecase.UserProfile{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		BirthDate: req.BirthDate,
	}
	user, _, err := h.Directory.RegisterUser(c.Request.Context(), profile, &imageinput.Input{Ref: req.Photo}, caller(c))
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindUnknown:
			h.directoryError(c, err, "failed to create user")
		case apperr.KindStorage:
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgFaceRegistration, "details": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": msgFaceRegistration, "details": err.Error()})
		}
		return
	}

	c.Header("Location", "/api/users/"+strconv.FormatUint(uint64(user.ID), 10))
	c.JSON(http.StatusCreated, user)
}

func (h *handler) updateUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateUserRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.UserID != 0 && req.UserID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgIDMismatch})
		return
	}

	err := h.Directory.UpdateUser(c.Request.Context(), id, usecase.UserProfile{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		BirthDate: req.BirthDate,
	})
	if err != nil {
		h.directoryError(c, err, "failed to update user")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) deleteUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Directory.DeleteUser(c.Request.Context(), id); err != nil {
		h.directoryError(c, err, "failed to delete user")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listAttendances(c *gin.Context) {
	var filter repository.AttendanceFilter
	if raw := c.Query("userID"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userID"})
			return
		}
		filter.UserID = uint(id)
	}
	filter.EventDate = c.Query("date")

	records, err := h.Directory.ListAttendances(c.Request.Context(), filter)
	if err != nil {
		h.directoryError(c, err, "failed to list attendances")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *handler) getAttendance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	record, err := h.Directory.GetAttendance(c.Request.Context(), id)
	if err != nil {
		h.directoryError(c, err, "failed to load attendance")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *handler) recordAttendance(c *gin.Context) {
	var req attendanceRequest
	if !h.bindJSON(c, &req) {
		return
	}

	opts, err := usecase.ResolveOptions(nil, h.Defaults)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"exception": err.Error()})
		return
	}

	checkIn, err := h.Directory.RecordAttendance(c.Request.Context(), &imageinput.Input{Ref: req.Photo}, req.Status, opts, caller(c))
	if checkIn != nil && checkIn.Verification != nil && checkIn.Verification.RequestID != "" {
		c.Header(logging.RequestIDHeader, checkIn.Verification.RequestID)
	}
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrNotRecognized):
			c.JSON(http.StatusBadRequest, gin.H{"error": msgNotRecognized, "verified": false, "reason": checkIn.Verification.Reason})
		case errors.Is(err, usecase.ErrInvalidUserID):
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidUserID})
		case apperr.Is(err, apperr.KindEngineDetection):
			c.JSON(http.StatusBadRequest, gin.H{"error": msgNotRecognized, "verified": false, "reason": usecase.ReasonNoFace})
		case apperr.Is(err, apperr.KindEngineValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": msgEngineValidation})
		case apperr.Is(err, apperr.KindEngineInternal):
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgEngineInternal})
		case apperr.KindOf(err) != apperr.KindUnknown:
			c.JSON(http.StatusBadRequest, gin.H{"exception": err.Error()})
		default:
			h.directoryError(c, err, "failed to record attendance")
		}
		return
	}

	c.Header("Location", "/api/attendances/"+strconv.FormatUint(uint64(checkIn.Record.ID), 10))
	c.JSON(http.StatusCreated, checkIn.Record)
}

func (h *handler) updateAttendance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateAttendanceRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.AttendanceID != 0 && req.AttendanceID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgIDMismatch})
		return
	}

	err := h.Directory.UpdateAttendance(c.Request.Context(), id, usecase.AttendanceUpdate{
		UserID:    req.UserID,
		Status:    req.Status,
		EventDate: req.EventDate,
		EventTime: req.EventTime,
	})
	if err != nil {
		h.directoryError(c, err, "failed to update attendance")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) deleteAttendance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Directory.DeleteAttendance(c.Request.Context(), id); err != nil {
		h.directoryError(c, err, "failed to delete attendance")
		return
	}
	c.Status(http.StatusNoContent)
}

// bindJSON decodes a size-limited JSON body into dest and writes the error
// response when it fails.
func (h *handler) bindJSON(c *gin.Context, dest any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)
	if err := c.ShouldBindJSON(dest); err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgRequestTooLarge})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (h *handler) directoryError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, usecase.ErrDirectoryDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgDirectoryDisabled})
	case errors.Is(err, usecase.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": msgRecordNotFound})
	default:
		h.logger.Error(message, append(logging.ErrorFields(err), zap.String("path", c.FullPath()))...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 0)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}
