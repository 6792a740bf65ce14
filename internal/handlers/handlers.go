package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/facevault/internal/apperr"
	"github.com/example/facevault/internal/auth"
	"github.com/example/facevault/internal/config"
	"github.com/example/facevault/internal/facestore"
	"github.com/example/facevault/internal/imageinput"
	"github.com/example/facevault/internal/logging"
	"github.com/example/facevault/internal/usecase"
)

// MaxUploadSize is the default request body limit.
const MaxUploadSize = 10 << 20

// imageKey is the body field or multipart file carrying the face image.
const imageKey = "img"

const (
	msgMissingID         = "Missing 'id' parameter"
	msgEngineValidation  = "Verification failed due to image processing issue."
	msgEngineInternal    = "Internal verification service error."
	msgRequestTooLarge   = "request body too large"
	msgResultNotFound    = "result not found"
	msgAuditUnavailable  = "verification audit is disabled"
	msgIdentityListError = "failed to list identities"
)

// IdentityLister lists registered identities.
type IdentityLister interface {
	Identities() ([]facestore.IdentitySummary, error)
}

// Deps wires the handlers to the use cases.
type Deps struct {
	Registration   *usecase.RegistrationUseCase
	Verification   *usecase.VerificationUseCase
	Identities     IdentityLister
	// Directory serves /api/users and /api/attendances; nil leaves them
	// unregistered.
	Directory      *usecase.DirectoryUseCase
	Defaults       config.MatchDefaults
	MaxUploadBytes int64
	// MaxImagePixels caps decoded uploads; zero selects the package default.
	MaxImagePixels int64
	Logger         *zap.Logger
}

type handler struct {
	Deps
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware
// may be nil, in which case every route is public.
func RegisterRoutes(router *gin.Engine, deps Deps, authMiddleware gin.HandlerFunc) {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = MaxUploadSize
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handler{Deps: deps, logger: deps.Logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}
	api.POST("/addFace", h.addFace)
	api.POST("/verify", h.verify)
	api.GET("/identities", h.listIdentities)
	api.GET("/verifications/:id", h.getVerification)
	api.GET("/metrics", h.metrics)
	if deps.Directory != nil {
		registerDirectoryRoutes(api, h)
	}
}

func (h *handler) addFace(c *gin.Context) {
	body, parseErr := imageinput.ParseBody(c.Writer, c.Request, h.MaxUploadBytes)
	if isTooLarge(parseErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgRequestTooLarge})
		return
	}

	faceID := c.Query("id")
	if faceID == "" {
		faceID = body.String("id")
	}
	if faceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgMissingID})
		return
	}
	if err := facestore.ValidateIdentity(faceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if parseErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"exception": parseErr.Error()})
		return
	}

	input, err := imageinput.Extract(body, imageKey, h.MaxImagePixels)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"exception": err.Error()})
		return
	}

	sample, err := h.Registration.AddFace(c.Request.Context(), faceID, input, caller(c))
	if err != nil {
		if apperr.Is(err, apperr.KindStorage) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"exception": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "path": sample.PublicPath})
}

func (h *handler) verify(c *gin.Context) {
	body, err := imageinput.ParseBody(c.Writer, c.Request, h.MaxUploadBytes)
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgRequestTooLarge})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"exception": err.Error()})
		return
	}

	input, err := imageinput.Extract(body, imageKey, h.MaxImagePixels)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"exception": err.Error()})
		return
	}

	opts, err := usecase.ResolveOptions(body, h.Defaults)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"exception": err.Error()})
		return
	}

	result, err := h.Verification.Verify(c.Request.Context(), input, opts, caller(c))
	if result != nil && result.RequestID != "" {
		c.Header(logging.RequestIDHeader, result.RequestID)
	}
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindEngineDetection:
			c.JSON(http.StatusBadRequest, gin.H{"verified": false, "id": nil, "reason": usecase.ReasonNoFace})
		case apperr.KindEngineValidation:
			c.JSON(http.StatusBadRequest, gin.H{"error": msgEngineValidation})
		case apperr.KindEngineInternal, apperr.KindUnknown:
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgEngineInternal})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"exception": err.Error()})
		}
		return
	}

	if !result.Verified {
		c.JSON(http.StatusOK, gin.H{"verified": false, "id": nil, "reason": result.Reason})
		return
	}
	c.JSON(http.StatusOK, result.Rows)
}

func (h *handler) listIdentities(c *gin.Context) {
	identities, err := h.Identities.Identities()
	if err != nil {
		h.logger.Error("failed to list identities", logging.ErrorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgIdentityListError})
		return
	}
	c.JSON(http.StatusOK, identities)
}

func (h *handler) getVerification(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	log, err := h.Verification.GetResult(c.Request.Context(), requestID)
	if err != nil {
		if !errors.Is(err, usecase.ErrResultNotFound) {
			h.logger.Error("failed to load verification", append(logging.ErrorFields(err), zap.String("verification_id", requestID))...)
		}
		c.JSON(http.StatusNotFound, gin.H{"error": msgResultNotFound})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":       log.RequestID,
		"verified":         log.Verified,
		"id":               log.MatchedID,
		"distance":         log.Distance,
		"candidates":       log.Candidates,
		"outcome":          log.Outcome,
		"model_name":       log.ModelName,
		"detector_backend": log.DetectorBackend,
		"distance_metric":  log.DistanceMetric,
		"latency_ms":       log.LatencyMs,
		"created_at":       log.CreatedAt,
	})
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.Verification.GetMetricsSummary(c.Request.Context())
	if errors.Is(err, usecase.ErrAuditDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgAuditUnavailable})
		return
	}
	if err != nil {
		h.logger.Error("failed to aggregate metrics", logging.ErrorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func caller(c *gin.Context) string {
	subject, _ := auth.CallerFromContext(c.Request.Context())
	return subject
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}
