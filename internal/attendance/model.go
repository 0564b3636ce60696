package attendance

import (
	"strings"
	"time"
)

// Status of an attendance record.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusExcused Status = "EXCUSED"
	StatusAbsent  Status = "ABSENT"
)

// ParseStatus normalizes s. An empty string yields PRESENT.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case "":
		return StatusPresent, true
	case StatusPresent, StatusLate, StatusExcused, StatusAbsent:
		return st, true
	}
	return "", false
}

// Attended reports whether the status counts toward presence.
func (s Status) Attended() bool {
	return s == StatusPresent || s == StatusLate
}

// Zone is the fixed UTC+8 offset every day boundary is computed in.
var Zone = time.FixedZone("UTC+8", 8*60*60)

// LocalDay returns the course-local calendar day of t as YYYY-MM-DD.
func LocalDay(t time.Time) string {
	return t.In(Zone).Format(time.DateOnly)
}

// Record is the authoritative attendance entry for one student, course and day.
type Record struct {
	ID            int64     `json:"id"`
	StudentID     int64     `json:"student_id"`
	StudentName   string    `json:"student_name,omitempty"`
	CourseID      int64     `json:"course_id"`
	SubmittedCode string    `json:"submitted_code"`
	OccurredAt    time.Time `json:"occurred_at"`
	Day           string    `json:"day"`
	Status        Status    `json:"status"`
	Remarks       string    `json:"remarks"`
}

// User is an entry of the user directory.
type User struct {
	ID           int64  `json:"id"`
	Identifier   string `json:"identifier"`
	Username     string `json:"username"`
	PasswordHash []byte `json:"-"`
	Role         string `json:"role"`
	FullName     string `json:"full_name"`
}

// Course is an entry of the course directory with its mode flags.
type Course struct {
	ID           int64  `json:"id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	IsOnline     bool   `json:"is_online"`
	SecureQRMode bool   `json:"secure_qr_mode"`
}
