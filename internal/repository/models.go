package repository

import "time"

// VerificationLog is the persisted outcome of one verify request.
type VerificationLog struct {
	ID              uint      `gorm:"primaryKey"`
	RequestID       string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Caller          string    `gorm:"column:caller;size:128;index"`
	Verified        bool      `gorm:"column:verified"`
	MatchedID       *string   `gorm:"column:matched_id;size:255;index"`
	Distance        *float64  `gorm:"column:distance"`
	Candidates      int       `gorm:"column:candidates"`
	Outcome         string    `gorm:"column:outcome;size:64"`
	ModelName       string    `gorm:"column:model_name;size:64"`
	DetectorBackend string    `gorm:"column:detector_backend;size:64"`
	DistanceMetric  string    `gorm:"column:distance_metric;size:32"`
	LatencyMs       int64     `gorm:"column:latency_ms"`
	CreatedAt       time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// SampleRecord mirrors a face sample written to disk.
type SampleRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Identity  string    `gorm:"column:identity;size:255;index:idx_sample_identity_hash"`
	Sequence  int64     `gorm:"column:sequence"`
	Path      string    `gorm:"column:path;size:512"`
	SHA1Hash  string    `gorm:"column:sha1_hash;size:40;index:idx_sample_identity_hash"`
	Caller    string    `gorm:"column:caller;size:128"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (SampleRecord) TableName() string {
	return "face_samples"
}

// MetricsAggregation holds raw verification counters.
type MetricsAggregation struct {
	TotalCount       int64
	VerifiedCount    int64
	AverageDistance  float64
	AverageLatencyMs float64
}

// UserRecord is a registered person. Face samples for the user are stored
// under the decimal form of ID.
type UserRecord struct {
	ID        uint      `gorm:"primaryKey" json:"userID"`
	FirstName string    `gorm:"column:first_name;size:128;not null" json:"firstName"`
	LastName  string    `gorm:"column:last_name;size:128;not null" json:"lastName"`
	Email     string    `gorm:"column:email;size:255;not null;index" json:"email"`
	BirthDate string    `gorm:"column:birth_date;size:10;not null" json:"birthDate"`
	CreatedAt time.Time `gorm:"column:created_at" json:"-"`
}

// TableName overrides the default table name.
func (UserRecord) TableName() string {
	return "users"
}

// AttendanceRecord marks a user as seen at a date and time.
type AttendanceRecord struct {
	ID        uint   `gorm:"primaryKey" json:"attendanceID"`
	UserID    uint   `gorm:"column:user_id;not null;index" json:"userID"`
	Status    string `gorm:"column:status;size:20;not null" json:"status"`
	EventDate string `gorm:"column:event_date;size:10;not null;index" json:"eventDate"`
	EventTime string `gorm:"column:event_time;size:8;not null" json:"eventTime"`
	// RequestID links to the verification that recognized the user. Empty
	// for records edited by hand.
	RequestID string    `gorm:"column:request_id;size:64" json:"requestID,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at" json:"-"`
}

// TableName overrides the default table name.
func (AttendanceRecord) TableName() string {
	return "attendances"
}

// AttendanceFilter narrows ListAttendances. Zero values match everything.
type AttendanceFilter struct {
	UserID    uint
	EventDate string
}
