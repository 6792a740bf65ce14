package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/facevault/internal/logging"
)

const sqlitePrefix = "sqlite://"

// Open connects to Postgres, or to sqlite when dsn starts with sqlite://.
// gorm diagnostics go to logger at warn level. Missing records are not
// logged.
func Open(dsn string, maxOpen, maxIdle int, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, sqlitePrefix); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer, err := zap.NewStdLogAt(logger.Named("gorm"), zapcore.WarnLevel)
	if err != nil {
		writer = zap.NewStdLog(logger.Named("gorm"))
	}
	return gormlogger.New(
		writer,
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// AuditRepository is the gorm-backed store for verification logs, sample
// records, users and attendance.
type AuditRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAuditRepository creates a new repository instance.
func NewAuditRepository(db *gorm.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:             db,
		logger:         logger.Named("audit_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AuditRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerificationLog{}, &SampleRecord{}, &UserRecord{}, &AttendanceRecord{})
}

// SaveLog persists a verification log entry.
func (r *AuditRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves a verification log by its request id.
func (r *AuditRepository) FindByRequestID(ctx context.Context, requestID string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// SaveSample persists a sample record.
func (r *AuditRepository) SaveSample(ctx context.Context, sample *SampleRecord) error {
	return r.executeWithRetry(ctx, "repository.save_sample", "", func() error {
		return r.db.WithContext(ctx).Create(sample).Error
	})
}

// FindSamplesByHash lists earlier samples of identity with the same content hash.
func (r *AuditRepository) FindSamplesByHash(ctx context.Context, identity, hash string) ([]*SampleRecord, error) {
	var samples []*SampleRecord
	err := r.executeWithRetry(ctx, "repository.find_samples_by_hash", "", func() error {
		return r.db.WithContext(ctx).
			Where("identity = ? AND sha1_hash = ?", identity, hash).
			Order("created_at ASC").
			Find(&samples).Error
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// AggregateMetrics summarizes all verification logs.
func (r *AuditRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount       int64
		VerifiedCount    int64
		AverageDistance  *float64
		AverageLatencyMs *float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&VerificationLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN verified THEN 1 ELSE 0 END), 0) AS verified_count, " +
				"AVG(distance) AS average_distance, " +
				"AVG(latency_ms) AS average_latency_ms").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{TotalCount: row.TotalCount, VerifiedCount: row.VerifiedCount}
	if row.AverageDistance != nil {
		agg.AverageDistance = *row.AverageDistance
	}
	if row.AverageLatencyMs != nil {
		agg.AverageLatencyMs = *row.AverageLatencyMs
	}
	return agg, nil
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (r *AuditRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	backoff := r.initialBackoff
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !IsTransientError(err) || attempt == attempts-1 {
			if !IsNotFound(err) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewRetryError(operation, requestID, attempt+1, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewRetryError(operation, requestID, attempts, err)
}

// IsTransientError reports timeouts and temporary network failures.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
