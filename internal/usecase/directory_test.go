package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/facevault/internal/apperr"
	"github.com/example/facevault/internal/engine"
	"github.com/example/facevault/internal/facestore"
	"github.com/example/facevault/internal/imageinput"
	"github.com/example/facevault/internal/repository"
)

type memoryDirectory struct {
	users       map[uint]*repository.UserRecord
	attendances map[uint]*repository.AttendanceRecord
	nextID      uint
	createErr   error
	deleted     []uint
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{
		users:       map[uint]*repository.UserRecord{},
		attendances: map[uint]*repository.AttendanceRecord{},
	}
}

func (m *memoryDirectory) CreateUser(ctx context.Context, user *repository.UserRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	user.ID = m.nextID
	m.users[user.ID] = user
	return nil
}

func (m *memoryDirectory) FindUser(ctx context.Context, id uint) (*repository.UserRecord, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return user, nil
}

func (m *memoryDirectory) ListUsers(ctx context.Context) ([]*repository.UserRecord, error) {
	users := []*repository.UserRecord{}
	for _, u := range m.users {
		users = append(users, u)
	}
	return users, nil
}

func (m *memoryDirectory) UpdateUser(ctx context.Context, user *repository.UserRecord) error {
	if _, ok := m.users[user.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	m.users[user.ID] = user
	return nil
}

func (m *memoryDirectory) DeleteUser(ctx context.Context, id uint) error {
	if _, ok := m.users[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	m.deleted = append(m.deleted, id)
	delete(m.users, id)
	return nil
}

func (m *memoryDirectory) CreateAttendance(ctx context.Context, record *repository.AttendanceRecord) error {
	m.nextID++
	record.ID = m.nextID
	m.attendances[record.ID] = record
	return nil
}

func (m *memoryDirectory) FindAttendance(ctx context.Context, id uint) (*repository.AttendanceRecord, error) {
	record, ok := m.attendances[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return record, nil
}

func (m *memoryDirectory) ListAttendances(ctx context.Context, filter repository.AttendanceFilter) ([]*repository.AttendanceRecord, error) {
	records := []*repository.AttendanceRecord{}
	for _, r := range m.attendances {
		if filter.UserID != 0 && r.UserID != filter.UserID {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func (m *memoryDirectory) UpdateAttendance(ctx context.Context, record *repository.AttendanceRecord) error {
	if _, ok := m.attendances[record.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	m.attendances[record.ID] = record
	return nil
}

func (m *memoryDirectory) DeleteAttendance(ctx context.Context, id uint) error {
	if _, ok := m.attendances[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(m.attendances, id)
	return nil
}

type stubRegistrar struct {
	identities []string
	err        error
}

func (s *stubRegistrar) AddFace(ctx context.Context, identity string, input *imageinput.Input, caller string) (*facestore.Sample, error) {
	s.identities = append(s.identities, identity)
	if s.err != nil {
		return nil, s.err
	}
	return &facestore.Sample{Identity: identity, Sequence: 1, PublicPath: "/database/" + identity + "/1.png"}, nil
}

type stubVerifier struct {
	result *Verification
	err    error
}

func (s *stubVerifier) Verify(ctx context.Context, input *imageinput.Input, opts engine.Options, caller string) (*Verification, error) {
	return s.result, s.err
}

func matchedVerification(identity string) *Verification {
	return &Verification{
		RequestID: "req-42",
		Verified:  true,
		Rows:      []MatchRow{{ID: &identity}},
	}
}

func newDirectory(repo DirectoryRepository, faces FaceRegistrar, verifier FaceVerifier) *DirectoryUseCase {
	uc := NewDirectoryUseCase(repo, faces, verifier, zap.NewNop())
	uc.now = func() time.Time { return time.Date(2024, 5, 1, 8, 30, 15, 0, time.UTC) }
	return uc
}

var adaProfile = UserProfile{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", BirthDate: "1815-12-10"}

func TestRegisterUserStoresFaceUnderUserID(t *testing.T) {
	repo := newMemoryDirectory()
	faces := &stubRegistrar{}
	uc := newDirectory(repo, faces, &stubVerifier{})

	user, sample, err := uc.RegisterUser(context.Background(), adaProfile, &imageinput.Input{Ref: "data"}, "svc")
	require.NoError(t, err)
	assert.Equal(t, uint(1), user.ID)
	assert.Equal(t, "Ada", user.FirstName)
	assert.Equal(t, "/database/1/1.png", sample.PublicPath)
	assert.Equal(t, []string{"1"}, faces.identities)
	assert.Contains(t, repo.users, uint(1))
}

func TestRegisterUserRemovesUserWhenFaceFails(t *testing.T) {
	repo := newMemoryDirectory()
	faceErr := apperr.New(apperr.KindValidation, "Invalid base64 image data")
	uc := newDirectory(repo, &stubRegistrar{err: faceErr}, &stubVerifier{})

	user, sample, err := uc.RegisterUser(context.Background(), adaProfile, &imageinput.Input{Ref: "bad"}, "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Nil(t, user)
	assert.Nil(t, sample)
	assert.Empty(t, repo.users)
	assert.Equal(t, []uint{1}, repo.deleted)
}

func TestRegisterUserCreateFailureSkipsFace(t *testing.T) {
	repo := newMemoryDirectory()
	repo.createErr = errors.New("db down")
	faces := &stubRegistrar{}
	uc := newDirectory(repo, faces, &stubVerifier{})

	_, _, err := uc.RegisterUser(context.Background(), adaProfile, &imageinput.Input{Ref: "data"}, "")
	require.EqualError(t, err, "db down")
	assert.Empty(t, faces.identities)
}

func TestRecordAttendanceForRecognizedUser(t *testing.T) {
	repo := newMemoryDirectory()
	repo.users[7] = &repository.UserRecord{ID: 7, FirstName: "Ada"}
	repo.nextID = 7
	uc := newDirectory(repo, &stubRegistrar{}, &stubVerifier{result: matchedVerification("7")})

	checkIn, err := uc.RecordAttendance(context.Background(), &imageinput.Input{Ref: "photo"}, "", engine.Options{}, "")
	require.NoError(t, err)
	require.NotNil(t, checkIn.Record)
	assert.Equal(t, uint(7), checkIn.Record.UserID)
	assert.Equal(t, DefaultAttendanceStatus, checkIn.Record.Status)
	assert.Equal(t, "2024-05-01", checkIn.Record.EventDate)
	assert.Equal(t, "08:30:15", checkIn.Record.EventTime)
	assert.Equal(t, "req-42", checkIn.Record.RequestID)

	checkIn, err = uc.RecordAttendance(context.Background(), &imageinput.Input{Ref: "photo"}, "Late", engine.Options{}, "")
	require.NoError(t, err)
	assert.Equal(t, "Late", checkIn.Record.Status)
	assert.Len(t, repo.attendances, 2)
}

func TestRecordAttendanceRejectsUnrecognizedFaces(t *testing.T) {
	nonNumeric := matchedVerification("alice")
	cases := []struct {
		name   string
		result *Verification
		want   error
	}{
		{"no match", &Verification{RequestID: "r", Reason: ReasonNoMatch}, ErrNotRecognized},
		{"row without id", &Verification{RequestID: "r", Verified: true, Rows: []MatchRow{{}}}, ErrNotRecognized},
		{"non numeric identity", nonNumeric, ErrInvalidUserID},
		{"zero identity", matchedVerification("0"), ErrInvalidUserID},
		{"deleted user", matchedVerification("99"), ErrInvalidUserID},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemoryDirectory()
			uc := newDirectory(repo, &stubRegistrar{}, &stubVerifier{result: tc.result})

			checkIn, err := uc.RecordAttendance(context.Background(), &imageinput.Input{Ref: "photo"}, "", engine.Options{}, "")
			assert.ErrorIs(t, err, tc.want)
			assert.Same(t, tc.result, checkIn.Verification)
			assert.Nil(t, checkIn.Record)
			assert.Empty(t, repo.attendances)
		})
	}
}

func TestRecordAttendancePassesEngineErrors(t *testing.T) {
	engineErr := apperr.New(apperr.KindEngineInternal, "boom")
	verification := &Verification{RequestID: "r"}
	uc := newDirectory(newMemoryDirectory(), &stubRegistrar{}, &stubVerifier{result: verification, err: engineErr})

	checkIn, err := uc.RecordAttendance(context.Background(), &imageinput.Input{Ref: "photo"}, "", engine.Options{}, "")
	assert.ErrorIs(t, err, engineErr)
	assert.Equal(t, "r", checkIn.Verification.RequestID)
}

func TestDirectoryNotFoundAndDisabled(t *testing.T) {
	ctx := context.Background()
	uc := newDirectory(newMemoryDirectory(), &stubRegistrar{}, &stubVerifier{})

	_, err := uc.GetUser(ctx, 1)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.ErrorIs(t, uc.UpdateUser(ctx, 1, adaProfile), ErrRecordNotFound)
	assert.ErrorIs(t, uc.DeleteUser(ctx, 1), ErrRecordNotFound)
	_, err = uc.GetAttendance(ctx, 1)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.ErrorIs(t, uc.UpdateAttendance(ctx, 1, AttendanceUpdate{UserID: 1}), ErrRecordNotFound)
	assert.ErrorIs(t, uc.DeleteAttendance(ctx, 1), ErrRecordNotFound)

	disabled := newDirectory(nil, &stubRegistrar{}, &stubVerifier{})
	_, _, err = disabled.RegisterUser(ctx, adaProfile, &imageinput.Input{}, "")
	assert.ErrorIs(t, err, ErrDirectoryDisabled)
	_, err = disabled.ListUsers(ctx)
	assert.ErrorIs(t, err, ErrDirectoryDisabled)
	_, err = disabled.RecordAttendance(ctx, &imageinput.Input{}, "", engine.Options{}, "")
	assert.ErrorIs(t, err, ErrDirectoryDisabled)
	_, err = disabled.ListAttendances(ctx, repository.AttendanceFilter{})
	assert.ErrorIs(t, err, ErrDirectoryDisabled)
}

func TestUpdateUserReplacesProfile(t *testing.T) {
	repo := newMemoryDirectory()
	repo.users[3] = &repository.UserRecord{ID: 3, FirstName: "Old"}
	uc := newDirectory(repo, &stubRegistrar{}, &stubVerifier{})

	require.NoError(t, uc.UpdateUser(context.Background(), 3, adaProfile))
	got, err := uc.GetUser(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.FirstName)
	assert.Equal(t, "1815-12-10", got.BirthDate)
}
