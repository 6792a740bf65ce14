package repository

import (
	"context"
	"strconv"

	"gorm.io/gorm"
)

// CreateUser inserts user and fills in its generated ID.
func (r *AuditRepository) CreateUser(ctx context.Context, user *UserRecord) error {
	return r.executeWithRetry(ctx, "repository.create_user", "", func() error {
		return r.db.WithContext(ctx).Create(user).Error
	})
}

// FindUser loads a user by id.
func (r *AuditRepository) FindUser(ctx context.Context, id uint) (*UserRecord, error) {
	var user UserRecord
	err := r.executeWithRetry(ctx, "repository.find_user", idLabel(id), func() error {
		return r.db.WithContext(ctx).First(&user, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListUsers returns every user ordered by id.
func (r *AuditRepository) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	users := []*UserRecord{}
	err := r.executeWithRetry(ctx, "repository.list_users", "", func() error {
		return r.db.WithContext(ctx).Order("id ASC").Find(&users).Error
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateUser overwrites the profile fields of the user with user.ID.
func (r *AuditRepository) UpdateUser(ctx context.Context, user *UserRecord) error {
	return r.executeWithRetry(ctx, "repository.update_user", idLabel(user.ID), func() error {
		res := r.db.WithContext(ctx).
			Model(&UserRecord{ID: user.ID}).
			Select("first_name", "last_name", "email", "birth_date").
			Updates(user)
		return affectedOrNotFound(res)
	})
}

// DeleteUser removes the user with id.
func (r *AuditRepository) DeleteUser(ctx context.Context, id uint) error {
	return r.executeWithRetry(ctx, "repository.delete_user", idLabel(id), func() error {
		return affectedOrNotFound(r.db.WithContext(ctx).Delete(&UserRecord{}, id))
	})
}

// CreateAttendance inserts record and fills in its generated ID.
func (r *AuditRepository) CreateAttendance(ctx context.Context, record *AttendanceRecord) error {
	return r.executeWithRetry(ctx, "repository.create_attendance", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindAttendance loads an attendance record by id.
func (r *AuditRepository) FindAttendance(ctx context.Context, id uint) (*AttendanceRecord, error) {
	var record AttendanceRecord
	err := r.executeWithRetry(ctx, "repository.find_attendance", idLabel(id), func() error {
		return r.db.WithContext(ctx).First(&record, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListAttendances returns matching records ordered by id.
func (r *AuditRepository) ListAttendances(ctx context.Context, filter AttendanceFilter) ([]*AttendanceRecord, error) {
	records := []*AttendanceRecord{}
	err := r.executeWithRetry(ctx, "repository.list_attendances", "", func() error {
		query := r.db.WithContext(ctx).Order("id ASC")
		if filter.UserID != 0 {
			query = query.Where("user_id = ?", filter.UserID)
		}
		if filter.EventDate != "" {
			query = query.Where("event_date = ?", filter.EventDate)
		}
		return query.Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateAttendance overwrites the editable fields of the record with
// record.ID.
func (r *AuditRepository) UpdateAttendance(ctx context.Context, record *AttendanceRecord) error {
	return r.executeWithRetry(ctx, "repository.update_attendance", idLabel(record.ID), func() error {
		res := r.db.WithContext(ctx).
			Model(&AttendanceRecord{ID: record.ID}).
			Select("user_id", "status", "event_date", "event_time").
			Updates(record)
		return affectedOrNotFound(res)
	})
}

// DeleteAttendance removes the record with id.
func (r *AuditRepository) DeleteAttendance(ctx context.Context, id uint) error {
	return r.executeWithRetry(ctx, "repository.delete_attendance", idLabel(id), func() error {
		return affectedOrNotFound(r.db.WithContext(ctx).Delete(&AttendanceRecord{}, id))
	})
}

// affectedOrNotFound turns a statement that touched no rows into
// gorm.ErrRecordNotFound.
func affectedOrNotFound(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func idLabel(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
