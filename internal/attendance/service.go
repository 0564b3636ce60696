package attendance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"qrattend/internal/audit"
	"qrattend/internal/auth"
	"qrattend/internal/metrics"
	"qrattend/internal/securetoken"
	"qrattend/internal/trend"
)

// OnlineRemarks is stored on records created by online self-check-in.
const OnlineRemarks = "Online Check-in"

const onlineCode = "ONLINE"

// Options tune a Service.
type Options struct {
	// AuditScannedCheckins also audits check-ins submitted by a scanner.
	// Online self-check-ins and mode changes are always audited.
	AuditScannedCheckins bool
	// Tokens checks rotating codes. Without it no token is authentic.
	Tokens *securetoken.Validator
	Now    func() time.Time
}

// Service coordinates check-ins, mode changes and trend estimation.
type Service struct {
	store Store
	audit audit.Recorder
	opts  Options
}

// NewService creates a service backed by a store.
func NewService(store Store, rec audit.Recorder, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tokens == nil {
		opts.Tokens = securetoken.NewValidator(nil, 0)
	}
	return &Service{store: store, audit: rec, opts: opts}
}

// CheckInRequest is a scanned code submitted for a course.
type CheckInRequest struct {
	Code       string
	CourseCode string
	Status     string
	Remarks    string
	// Actor is the scanning caller, used only for auditing.
	Actor auth.Identity
}

// CheckIn validates a scanned code against the course policy and records
// today's attendance for the student it identifies.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (Record, error) {
	rec, err := s.checkIn(ctx, req)
	observe("scan", err)
	return rec, err
}

func (s *Service) checkIn(ctx context.Context, req CheckInRequest) (Record, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return Record{}, ErrMissingQR
	}
	if strings.TrimSpace(req.CourseCode) == "" {
		return Record{}, ErrMissingCourse
	}
	status, ok := ParseStatus(req.Status)
	if !ok {
		return Record{}, ErrInvalidStatus
	}

	course, err := s.store.CourseByCode(ctx, strings.TrimSpace(req.CourseCode))
	if err != nil {
		return Record{}, err
	}
	if course == nil {
		return Record{}, ErrCourseNotFound
	}

	now := s.opts.Now()
	res, err := s.opts.Tokens.Validate(code, course.SecureQRMode, now)
	if err != nil {
		return Record{}, tokenRejection(err)
	}

	student, err := s.resolveStudent(ctx, res.Identifier)
	if err != nil {
		return Record{}, err
	}

	rec, err := s.insert(ctx, Record{
		StudentID:     student.ID,
		CourseID:      course.ID,
		SubmittedCode: code,
		OccurredAt:    now.In(Zone),
		Day:           LocalDay(now),
		Status:        status,
		Remarks:       req.Remarks,
	})
	if err != nil {
		return Record{}, err
	}
	rec.StudentName = student.FullName

	if s.opts.AuditScannedCheckins {
		s.audit.Record(ctx, req.Actor.UserID, req.Actor.Name, audit.ActionCheckin,
			fmt.Sprintf("course=%s student=%s record=%d secure=%t", course.Code, student.Identifier, rec.ID, res.Secure))
	}
	return rec, nil
}

// resolveStudent tries the external identifier first, then a numeric internal id.
func (s *Service) resolveStudent(ctx context.Context, identifier string) (*User, error) {
	u, err := s.store.UserByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if u == nil && isDigits(identifier) {
		id, perr := strconv.ParseInt(identifier, 10, 64)
		if perr == nil {
			if u, err = s.store.UserByID(ctx, id); err != nil {
				return nil, err
			}
		}
	}
	if u == nil || u.Role != auth.RoleStudent {
		return nil, ErrStudentNotFound
	}
	return u, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// insert relies on the store's atomic day key; a lost race is already_logged.
func (s *Service) insert(ctx context.Context, rec Record) (Record, error) {
	out, err := s.store.InsertRecord(ctx, rec)
	if errors.Is(err, ErrDuplicateDay) {
		return Record{}, ErrAlreadyLogged
	}
	return out, err
}

// SelfCheckIn records an online check-in for an authenticated student.
func (s *Service) SelfCheckIn(ctx context.Context, who auth.Identity, courseID int64) (Record, error) {
	rec, err := s.selfCheckIn(ctx, who, courseID)
	observe("online", err)
	return rec, err
}

func (s *Service) selfCheckIn(ctx context.Context, who auth.Identity, courseID int64) (Record, error) {
	course, err := s.store.CourseByID(ctx, courseID)
	if err != nil {
		return Record{}, err
	}
	if course == nil {
		return Record{}, ErrCourseNotFound
	}
	if !course.IsOnline {
		return Record{}, ErrModeInactive
	}
	enrolled, err := s.store.IsEnrolled(ctx, who.UserID, course.ID)
	if err != nil {
		return Record{}, err
	}
	if !enrolled {
		return Record{}, ErrNotEnrolled
	}

	now := s.opts.Now()
	rec, err := s.insert(ctx, Record{
		StudentID:     who.UserID,
		CourseID:      course.ID,
		SubmittedCode: onlineCode,
		OccurredAt:    now.In(Zone),
		Day:           LocalDay(now),
		Status:        StatusPresent,
		Remarks:       OnlineRemarks,
	})
	if err != nil {
		return Record{}, err
	}
	rec.StudentName = who.Name

	s.audit.Record(ctx, who.UserID, who.Name, audit.ActionSelfCheckin,
		fmt.Sprintf("course=%s record=%d", course.Code, rec.ID))
	return rec, nil
}

// ToggleMode updates the course flags that are set and audits the change.
func (s *Service) ToggleMode(ctx context.Context, actor auth.Identity, courseID int64, isOnline, secureQR *bool) (Course, error) {
	if isOnline == nil && secureQR == nil {
		return Course{}, ErrMissingMode
	}
	course, err := s.store.UpdateCourseModes(ctx, courseID, isOnline, secureQR)
	if err != nil {
		return Course{}, err
	}
	if course == nil {
		return Course{}, ErrCourseNotFound
	}
	s.audit.Record(ctx, actor.UserID, actor.Name, audit.ActionModeToggle,
		fmt.Sprintf("course=%s is_online=%t secure_qr_mode=%t", course.Code, course.IsOnline, course.SecureQRMode))
	return *course, nil
}

// Review changes the status and remarks of an existing record, e.g. to
// approve an excuse.
func (s *Service) Review(ctx context.Context, actor auth.Identity, recordID int64, status, remarks string) (Record, error) {
	st, ok := ParseStatus(status)
	if !ok || strings.TrimSpace(status) == "" {
		return Record{}, ErrInvalidStatus
	}
	rec, err := s.store.UpdateRecordReview(ctx, recordID, st, remarks)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		return Record{}, ErrRecordNotFound
	}
	s.audit.Record(ctx, actor.UserID, actor.Name, audit.ActionReview,
		fmt.Sprintf("record=%d status=%s", rec.ID, rec.Status))
	return *rec, nil
}

// Trend estimates the attendance trend of a course from its full history.
// Sessions are the UTC+8 calendar days records fall on.
func (s *Service) Trend(ctx context.Context, courseID int64) (trend.Estimate, error) {
	start := time.Now()
	defer func() { metrics.TrendDuration.Observe(time.Since(start).Seconds()) }()

	course, err := s.store.CourseByID(ctx, courseID)
	if err != nil {
		return trend.Estimate{}, err
	}
	if course == nil {
		return trend.Estimate{}, ErrCourseNotFound
	}
	records, err := s.store.CourseRecords(ctx, courseID)
	if err != nil {
		return trend.Estimate{}, err
	}
	samples := make([]trend.Sample, 0, len(records))
	for _, rec := range records {
		samples = append(samples, trend.Sample{Day: rec.Day, Present: rec.Status.Attended()})
	}
	return trend.FromSamples(samples), nil
}

// Login verifies credentials against the user directory.
func (s *Service) Login(ctx context.Context, username, password string) (User, error) {
	u, err := s.store.UserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return User{}, err
	}
	if u == nil || !auth.CheckPassword(u.PasswordHash, password) {
		return User{}, ErrInvalidCredentials
	}
	return *u, nil
}

// User returns a directory entry by id.
func (s *Service) User(ctx context.Context, id int64) (User, error) {
	u, err := s.store.UserByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrStudentNotFound
	}
	return *u, nil
}

// Courses lists the course directory.
func (s *Service) Courses(ctx context.Context) ([]Course, error) {
	return s.store.ListCourses(ctx)
}

// CourseRecords lists a course's attendance, oldest first.
func (s *Service) CourseRecords(ctx context.Context, courseID int64) ([]Record, error) {
	course, err := s.store.CourseByID(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if course == nil {
		return nil, ErrCourseNotFound
	}
	return s.store.CourseRecords(ctx, courseID)
}

// StudentRecords lists a student's most recent attendance.
func (s *Service) StudentRecords(ctx context.Context, studentID int64, limit int) ([]Record, error) {
	return s.store.StudentRecords(ctx, studentID, limit)
}

// AuditEvents lists recent audit events, newest first.
func (s *Service) AuditEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	return s.store.ListAuditEvents(ctx, limit)
}

func observe(path string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if e, ok := AsError(err); ok {
			outcome = e.Code
		}
	}
	metrics.Checkins.WithLabelValues(path, outcome).Inc()
}
