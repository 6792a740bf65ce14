package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/facevault/internal/apperr"
	"github.com/example/facevault/internal/engine"
	"github.com/example/facevault/internal/events"
	"github.com/example/facevault/internal/imageinput"
	"github.com/example/facevault/internal/logging"
	"github.com/example/facevault/internal/repository"
)

// Reasons reported when a verification does not produce matches.
const (
	ReasonNoFace  = "No face detected in the input image."
	ReasonNoMatch = "No matching face found in database."
)

// Outcome labels stored with each verification log.
const (
	OutcomeMatched          = "matched"
	OutcomeNoMatch          = "no_match"
	OutcomeNoFace           = "no_face"
	OutcomeEngineValidation = "engine_validation_error"
	OutcomeEngineError      = "engine_error"
)

// ErrResultNotFound is returned when a verification record is unknown or
// auditing is disabled.
var ErrResultNotFound = errors.New("result not found")

// ErrAuditDisabled is returned by read APIs that need the audit store.
var ErrAuditDisabled = errors.New("verification audit is disabled")

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// VerificationUseCase runs a query image against the face database through
// the matching engine.
type VerificationUseCase struct {
	matcher        engine.Matcher
	root           string
	repo           VerificationRepository
	cache          ResultCache
	publisher      events.Publisher
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// VerificationDeps groups the optional collaborators of VerificationUseCase.
// Nil Repo or Cache disables auditing or caching.
type VerificationDeps struct {
	Repo      VerificationRepository
	Cache     ResultCache
	Publisher events.Publisher
}

// Verification is the result of a verify call.
type Verification struct {
	RequestID string
	Verified  bool
	Rows      []MatchRow
	// Reason explains an unverified outcome.
	Reason string
}

type cachedVerification struct {
	RequestID       string    `json:"request_id"`
	Caller          string    `json:"caller"`
	Verified        bool      `json:"verified"`
	MatchedID       *string   `json:"matched_id"`
	Distance        *float64  `json:"distance"`
	Candidates      int       `json:"candidates"`
	Outcome         string    `json:"outcome"`
	ModelName       string    `json:"model_name"`
	DetectorBackend string    `json:"detector_backend"`
	DistanceMetric  string    `json:"distance_metric"`
	LatencyMs       int64     `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewVerificationUseCase constructs a new use case instance searching root.
func NewVerificationUseCase(matcher engine.Matcher, root string, deps VerificationDeps, logger *zap.Logger) *VerificationUseCase {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &VerificationUseCase{
		matcher:        matcher,
		root:           root,
		repo:           deps.Repo,
		cache:          deps.Cache,
		publisher:      publisher,
		logger:         logger.Named("verification_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Verify searches the face database for input. The returned Verification is
// never nil and carries the request id even when err is set.
func (uc *VerificationUseCase) Verify(ctx context.Context, input *imageinput.Input, opts engine.Options, caller string) (*Verification, error) {
	result := &Verification{RequestID: uuid.NewString()}
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", result.RequestID)
	start := uc.now()

	query, err := buildQuery(input)
	if err != nil {
		return result, err
	}

	tables, err := uc.matcher.Find(ctx, query, uc.root, opts)
	if err != nil {
		outcome, mapped := classifyEngineError(err)
		switch outcome {
		case OutcomeNoFace:
			result.Reason = ReasonNoFace
		case OutcomeEngineValidation:
			opLogger.Error("face matcher rejected the image", zap.Error(err))
		default:
			opLogger.Error("face matcher failed", zap.Error(err), zap.Stack("stack"))
		}
		uc.record(ctx, result, nil, outcome, opts, caller, start)
		return result, mapped
	}

	rows := ShapeResult(tables)
	if len(rows) == 0 {
		result.Reason = ReasonNoMatch
		uc.record(ctx, result, nil, OutcomeNoMatch, opts, caller, start)
		return result, nil
	}

	result.Verified = true
	result.Rows = rows
	opLogger.Debug("verification matched", zap.Int("candidates", len(rows)))
	uc.record(ctx, result, rows, OutcomeMatched, opts, caller, start)
	return result, nil
}

// GetResult retrieves a cached verification outcome or loads it from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	if uc.cache != nil {
		cached, err := uc.lookupCached(ctx, requestID)
		if err == nil {
			var payload cachedVerification
			if err := json.Unmarshal(cached, &payload); err != nil {
				logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
			} else {
				return payload.toLog(), nil
			}
		} else if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if repository.IsNotFound(err) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func buildQuery(input *imageinput.Input) (engine.Query, error) {
	switch {
	case input == nil:
		return engine.Query{}, apperr.New(apperr.KindInputMissing, "'img' not found in request")
	case input.Bitmap != nil:
		data, err := imageinput.EncodePNG(input.Bitmap.ReverseChannels().Image())
		if err != nil {
			return engine.Query{}, apperr.Wrap(apperr.KindUnsupportedFormat, err, "failed to encode query image")
		}
		return engine.Query{Image: data, ImageMIME: "image/png"}, nil
	case input.Ref != "":
		return engine.Query{Ref: input.Ref}, nil
	default:
		return engine.Query{}, apperr.New(apperr.KindUnsupportedFormat, "Unsupported image data format returned by extract_image_from_request.")
	}
}

func classifyEngineError(err error) (string, error) {
	switch {
	case engine.IsDetectionFailure(err):
		return OutcomeNoFace, apperr.Wrap(apperr.KindEngineDetection, err, "")
	case engine.IsValidation(err):
		return OutcomeEngineValidation, apperr.Wrap(apperr.KindEngineValidation, err, "")
	default:
		return OutcomeEngineError, apperr.Wrap(apperr.KindEngineInternal, err, "")
	}
}

// record persists, caches and publishes the outcome. Failures are logged
// and never reach the caller.
func (uc *VerificationUseCase) record(ctx context.Context, result *Verification, rows []MatchRow, outcome string, opts engine.Options, caller string, start time.Time) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record_verification", result.RequestID)
	now := uc.now()

	entry := cachedVerification{
		RequestID:       result.RequestID,
		Caller:          caller,
		Verified:        result.Verified,
		Candidates:      len(rows),
		Outcome:         outcome,
		ModelName:       opts.ModelName,
		DetectorBackend: opts.DetectorBackend,
		DistanceMetric:  opts.DistanceMetric,
		LatencyMs:       now.Sub(start).Milliseconds(),
		CreatedAt:       now.UTC(),
	}
	if len(rows) > 0 {
		entry.MatchedID = rows[0].ID
		if d, ok := rows[0].Float("distance"); ok {
			entry.Distance = &d
		}
	}

	if uc.repo != nil {
		if err := uc.repo.SaveLog(ctx, entry.toLog()); err != nil {
			opLogger.Error("failed to persist verification log", logging.ErrorFields(err)...)
		}
	}

	if uc.cache != nil {
		if serialized, err := json.Marshal(entry); err != nil {
			opLogger.Error("failed to serialize verification result", zap.Error(err))
		} else if err := uc.withRedisRetry(ctx, result.RequestID, "cache.set.result", func() error {
			return uc.cache.Put(ctx, result.RequestID, serialized)
		}); err != nil {
			opLogger.Error("failed to cache verification result", logging.ErrorFields(err)...)
		}
	}

	if err := uc.publisher.Publish(ctx, events.RoutingFaceVerified, events.FaceVerified{
		RequestID:  entry.RequestID,
		Verified:   entry.Verified,
		MatchedID:  entry.MatchedID,
		Distance:   entry.Distance,
		Outcome:    outcome,
		Caller:     caller,
		OccurredAt: entry.CreatedAt,
	}); err != nil {
		opLogger.Warn("failed to publish verification event", zap.Error(err))
	}
}

func (c cachedVerification) toLog() *repository.VerificationLog {
	return &repository.VerificationLog{
		RequestID:       c.RequestID,
		Caller:          c.Caller,
		Verified:        c.Verified,
		MatchedID:       c.MatchedID,
		Distance:        c.Distance,
		Candidates:      c.Candidates,
		Outcome:         c.Outcome,
		ModelName:       c.ModelName,
		DetectorBackend: c.DetectorBackend,
		DistanceMetric:  c.DistanceMetric,
		LatencyMs:       c.LatencyMs,
		CreatedAt:       c.CreatedAt,
	}
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewRetryError(operation, requestID, attempt+1, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewRetryError(operation, requestID, uc.retryAttempts, err)
}

func (uc *VerificationUseCase) lookupCached(ctx context.Context, requestID string) ([]byte, error) {
	var record []byte
	err := uc.withRedisRetry(ctx, requestID, "cache.get.result", func() error {
		value, err := uc.cache.Lookup(ctx, requestID)
		if err != nil {
			return err
		}
		record = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}
