package usecase

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/facevault/internal/engine"
	"github.com/example/facevault/internal/facestore"
	"github.com/example/facevault/internal/imageinput"
	"github.com/example/facevault/internal/logging"
	"github.com/example/facevault/internal/repository"
)

// DefaultAttendanceStatus is stored when a check-in names no status.
const DefaultAttendanceStatus = "Present"

const (
	eventDateLayout = "2006-01-02"
	eventTimeLayout = "15:04:05"
)

var (
	// ErrDirectoryDisabled is returned when no database is configured.
	ErrDirectoryDisabled = errors.New("user directory is disabled")
	// ErrRecordNotFound is returned for unknown user or attendance ids.
	ErrRecordNotFound = errors.New("record not found")
	// ErrNotRecognized means the check-in photo matched no stored face.
	ErrNotRecognized = errors.New("face not verified or user not found")
	// ErrInvalidUserID means the best match belongs to an identity that is
	// not a user id, or to a user that no longer exists.
	ErrInvalidUserID = errors.New("invalid user id returned from face recognition")
)

// DirectoryRepository is the persistence needed for users and attendance.
type DirectoryRepository interface {
	CreateUser(ctx context.Context, user *repository.UserRecord) error
	FindUser(ctx context.Context, id uint) (*repository.UserRecord, error)
	ListUsers(ctx context.Context) ([]*repository.UserRecord, error)
	UpdateUser(ctx context.Context, user *repository.UserRecord) error
	DeleteUser(ctx context.Context, id uint) error
	CreateAttendance(ctx context.Context, record *repository.AttendanceRecord) error
	FindAttendance(ctx context.Context, id uint) (*repository.AttendanceRecord, error)
	ListAttendances(ctx context.Context, filter repository.AttendanceFilter) ([]*repository.AttendanceRecord, error)
	UpdateAttendance(ctx context.Context, record *repository.AttendanceRecord) error
	DeleteAttendance(ctx context.Context, id uint) error
}

// FaceRegistrar stores a face sample for an identity.
type FaceRegistrar interface {
	AddFace(ctx context.Context, identity string, input *imageinput.Input, caller string) (*facestore.Sample, error)
}

// FaceVerifier searches the face database.
type FaceVerifier interface {
	Verify(ctx context.Context, input *imageinput.Input, opts engine.Options, caller string) (*Verification, error)
}

// UserProfile holds the editable fields of a user.
type UserProfile struct {
	FirstName string
	LastName  string
	Email     string
	BirthDate string
}

// AttendanceUpdate holds the editable fields of an attendance record.
type AttendanceUpdate struct {
	UserID    uint
	Status    string
	EventDate string
	EventTime string
}

// CheckIn is the outcome of RecordAttendance. Verification is set whenever
// the face search ran, including when err is returned.
type CheckIn struct {
	Record       *repository.AttendanceRecord
	Verification *Verification
}

// DirectoryUseCase manages users whose face samples are filed under their
// numeric id, and attendance records created by recognizing those faces.
type DirectoryUseCase struct {
	repo     DirectoryRepository
	faces    FaceRegistrar
	verifier FaceVerifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewDirectoryUseCase constructs the use case. A nil repo makes every
// method return ErrDirectoryDisabled.
func NewDirectoryUseCase(repo DirectoryRepository, faces FaceRegistrar, verifier FaceVerifier, logger *zap.Logger) *DirectoryUseCase {
	return &DirectoryUseCase{
		repo:     repo,
		faces:    faces,
		verifier: verifier,
		logger:   logger.Named("directory_usecase"),
		now:      time.Now,
	}
}

// RegisterUser creates the user and stores photo as its first face sample.
// The user row is removed again when the sample cannot be stored, and the
// sample error is returned unchanged.
func (uc *DirectoryUseCase) RegisterUser(ctx context.Context, profile UserProfile, photo *imageinput.Input, caller string) (*repository.UserRecord, *facestore.Sample, error) {
	if uc.repo == nil {
		return nil, nil, ErrDirectoryDisabled
	}

	user := &repository.UserRecord{
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Email:     profile.Email,
		BirthDate: profile.BirthDate,
	}
	if err := uc.repo.CreateUser(ctx, user); err != nil {
		return nil, nil, err
	}

	identity := strconv.FormatUint(uint64(user.ID), 10)
	opLogger := logging.WithOperation(uc.logger, "usecase.register_user", identity)

	sample, err := uc.faces.AddFace(ctx, identity, photo, caller)
	if err != nil {
		opLogger.Warn("face registration failed, removing user", zap.Error(err))
		if delErr := uc.repo.DeleteUser(ctx, user.ID); delErr != nil {
			opLogger.Error("failed to remove user after face registration failure", zap.Error(delErr))
		}
		return nil, nil, err
	}

	opLogger.Info("user registered", zap.String("path", sample.PublicPath))
	return user, sample, nil
}

// GetUser loads one user.
func (uc *DirectoryUseCase) GetUser(ctx context.Context, id uint) (*repository.UserRecord, error) {
	if uc.repo == nil {
		return nil, ErrDirectoryDisabled
	}
	user, err := uc.repo.FindUser(ctx, id)
	return user, mapNotFound(err)
}

// ListUsers returns all users.
func (uc *DirectoryUseCase) ListUsers(ctx context.Context) ([]*repository.UserRecord, error) {
	if uc.repo == nil {
		return nil, ErrDirectoryDisabled
	}
	return uc.repo.ListUsers(ctx)
}

// UpdateUser replaces the profile of user id.
func (uc *DirectoryUseCase) UpdateUser(ctx context.Context, id uint, profile UserProfile) error {
	if uc.repo == nil {
		return ErrDirectoryDisabled
	}
	return mapNotFound(uc.repo.UpdateUser(ctx, &repository.UserRecord{
		ID:        id,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Email:     profile.Email,
		BirthDate: profile.BirthDate,
	}))
}

// DeleteUser removes user id. Stored face samples are kept.
func (uc *DirectoryUseCase) DeleteUser(ctx context.Context, id uint) error {
	if uc.repo == nil {
		return ErrDirectoryDisabled
	}
	return mapNotFound(uc.repo.DeleteUser(ctx, id))
}

// RecordAttendance recognizes photo and stores an attendance record for the
// best matching user, stamped with the current local date and time.
func (uc *DirectoryUseCase) RecordAttendance(ctx context.Context, photo *imageinput.Input, status string, opts engine.Options, caller string) (*CheckIn, error) {
	if uc.repo == nil {
		return nil, ErrDirectoryDisabled
	}

	verification, err := uc.verifier.Verify(ctx, photo, opts, caller)
	checkIn := &CheckIn{Verification: verification}
	if err != nil {
		return checkIn, err
	}
	if !verification.Verified || len(verification.Rows) == 0 || verification.Rows[0].ID == nil {
		return checkIn, ErrNotRecognized
	}

	userID, err := strconv.ParseUint(*verification.Rows[0].ID, 10, 0)
	if err != nil || userID == 0 {
		return checkIn, ErrInvalidUserID
	}
	if _, err := uc.repo.FindUser(ctx, uint(userID)); err != nil {
		if repository.IsNotFound(err) {
			return checkIn, ErrInvalidUserID
		}
		return checkIn, err
	}

	if status == "" {
		status = DefaultAttendanceStatus
	}
	now := uc.now()
	record := &repository.AttendanceRecord{
		UserID:    uint(userID),
		Status:    status,
		EventDate: now.Format(eventDateLayout),
		EventTime: now.Format(eventTimeLayout),
		RequestID: verification.RequestID,
	}
	if err := uc.repo.CreateAttendance(ctx, record); err != nil {
		return checkIn, err
	}

	logging.WithOperation(uc.logger, "usecase.record_attendance", verification.RequestID).
		Info("attendance recorded", zap.Uint("user_id", record.UserID), zap.String("status", status))
	checkIn.Record = record
	return checkIn, nil
}

// GetAttendance loads one attendance record.
func (uc *DirectoryUseCase) GetAttendance(ctx context.Context, id uint) (*repository.AttendanceRecord, error) {
	if uc.repo == nil {
		return nil, ErrDirectoryDisabled
	}
	record, err := uc.repo.FindAttendance(ctx, id)
	return record, mapNotFound(err)
}

// ListAttendances returns records matching filter.
func (uc *DirectoryUseCase) ListAttendances(ctx context.Context, filter repository.AttendanceFilter) ([]*repository.AttendanceRecord, error) {
	if uc.repo == nil {
		return nil, ErrDirectoryDisabled
	}
	return uc.repo.ListAttendances(ctx, filter)
}

// UpdateAttendance replaces the editable fields of record id.
func (uc *DirectoryUseCase) UpdateAttendance(ctx context.Context, id uint, update AttendanceUpdate) error {
	if uc.repo == nil {
		return ErrDirectoryDisabled
	}
	return mapNotFound(uc.repo.UpdateAttendance(ctx, &repository.AttendanceRecord{
		ID:        id,
		UserID:    update.UserID,
		Status:    update.Status,
		EventDate: update.EventDate,
		EventTime: update.EventTime,
	}))
}

// DeleteAttendance removes record id.
func (uc *DirectoryUseCase) DeleteAttendance(ctx context.Context, id uint) error {
	if uc.repo == nil {
		return ErrDirectoryDisabled
	}
	return mapNotFound(uc.repo.DeleteAttendance(ctx, id))
}

func mapNotFound(err error) error {
	if repository.IsNotFound(err) {
		return ErrRecordNotFound
	}
	return err
}
