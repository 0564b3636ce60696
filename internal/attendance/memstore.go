package attendance

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"qrattend/internal/audit"
)

type dayKey struct {
	student, course int64
	day             string
}

// MemoryStore is a Store kept in process memory, for single-node dev runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	users       []User
	courses     []Course
	enrollments map[[2]int64]bool
	records     []Record
	byDay       map[dayKey]int64
	auditUIDs   map[string]bool
	audit       []audit.Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrollments: make(map[[2]int64]bool),
		byDay:       make(map[dayKey]int64),
		auditUIDs:   make(map[string]bool),
	}
}

func (m *MemoryStore) findUser(match func(User) bool) *User {
	for i := range m.users {
		if match(m.users[i]) {
			u := m.users[i]
			return &u
		}
	}
	return nil
}

func (m *MemoryStore) UserByIdentifier(_ context.Context, identifier string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findUser(func(u User) bool { return u.Identifier == identifier }), nil
}

func (m *MemoryStore) UserByID(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findUser(func(u User) bool { return u.ID == id }), nil
}

func (m *MemoryStore) UserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findUser(func(u User) bool { return u.Username == username }), nil
}

func (m *MemoryStore) CountUsers(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username || (u.Identifier != "" && existing.Identifier == u.Identifier) {
			return errors.Errorf("user %q already exists", u.Username)
		}
	}
	u.ID = int64(len(m.users) + 1)
	m.users = append(m.users, *u)
	return nil
}

func (m *MemoryStore) findCourse(match func(Course) bool) *Course {
	for i := range m.courses {
		if match(m.courses[i]) {
			c := m.courses[i]
			return &c
		}
	}
	return nil
}

func (m *MemoryStore) CourseByCode(_ context.Context, code string) (*Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	code = normalizeCode(code)
	return m.findCourse(func(c Course) bool { return normalizeCode(c.Code) == code }), nil
}

func (m *MemoryStore) CourseByID(_ context.Context, id int64) (*Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findCourse(func(c Course) bool { return c.ID == id }), nil
}

func (m *MemoryStore) ListCourses(context.Context) ([]Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := append([]Course(nil), m.courses...)
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

func (m *MemoryStore) CreateCourse(_ context.Context, c *Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.courses {
		if normalizeCode(existing.Code) == normalizeCode(c.Code) {
			return errors.Errorf("course %q already exists", c.Code)
		}
	}
	c.ID = int64(len(m.courses) + 1)
	m.courses = append(m.courses, *c)
	return nil
}

func (m *MemoryStore) UpdateCourseModes(_ context.Context, id int64, isOnline, secureQR *bool) (*Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.courses {
		if m.courses[i].ID != id {
			continue
		}
		if isOnline != nil {
			m.courses[i].IsOnline = *isOnline
		}
		if secureQR != nil {
			m.courses[i].SecureQRMode = *secureQR
		}
		c := m.courses[i]
		return &c, nil
	}
	return nil, nil
}

func (m *MemoryStore) Enroll(_ context.Context, studentID, courseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[[2]int64{studentID, courseID}] = true
	return nil
}

func (m *MemoryStore) IsEnrolled(_ context.Context, studentID, courseID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enrollments[[2]int64{studentID, courseID}], nil
}

// InsertRecord checks and claims the day key under one lock.
func (m *MemoryStore) InsertRecord(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dayKey{student: rec.StudentID, course: rec.CourseID, day: rec.Day}
	if _, taken := m.byDay[key]; taken {
		return Record{}, ErrDuplicateDay
	}
	rec.ID = int64(len(m.records) + 1)
	m.byDay[key] = rec.ID
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MemoryStore) withName(rec Record) Record {
	if u := m.findUser(func(u User) bool { return u.ID == rec.StudentID }); u != nil {
		rec.StudentName = u.FullName
	}
	return rec
}

func (m *MemoryStore) CourseRecords(_ context.Context, courseID int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Record
	for _, rec := range m.records {
		if rec.CourseID == courseID {
			res = append(res, m.withName(rec))
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].OccurredAt.Before(res[j].OccurredAt) })
	return res, nil
}

func (m *MemoryStore) StudentRecords(_ context.Context, studentID int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Record
	for _, rec := range m.records {
		if rec.StudentID == studentID {
			res = append(res, m.withName(rec))
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].OccurredAt.After(res[j].OccurredAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) UpdateRecordReview(_ context.Context, id int64, status Status, remarks string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Status = status
			m.records[i].Remarks = remarks
			rec := m.withName(m.records[i])
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) AppendAuditEvent(_ context.Context, evt audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditUIDs[evt.UID] {
		return nil
	}
	m.auditUIDs[evt.UID] = true
	m.audit = append(m.audit, evt)
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]audit.Event, 0, len(m.audit))
	for i := len(m.audit) - 1; i >= 0 && len(res) < limit; i-- {
		res = append(res, m.audit[i])
	}
	return res, nil
}

type memSnapshot struct {
	users       []User
	courses     []Course
	enrollments map[[2]int64]bool
	records     []Record
	byDay       map[dayKey]int64
	auditUIDs   map[string]bool
	audit       []audit.Event
}

func (m *MemoryStore) snapshot() memSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memSnapshot{
		users:       append([]User(nil), m.users...),
		courses:     append([]Course(nil), m.courses...),
		enrollments: maps.Clone(m.enrollments),
		records:     append([]Record(nil), m.records...),
		byDay:       maps.Clone(m.byDay),
		auditUIDs:   maps.Clone(m.auditUIDs),
		audit:       append([]audit.Event(nil), m.audit...),
	}
}

func (m *MemoryStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users, m.courses, m.enrollments = s.users, s.courses, s.enrollments
	m.records, m.byDay = s.records, s.byDay
	m.auditUIDs, m.audit = s.auditUIDs, s.audit
}

// WithTx runs fn and restores the prior state if it fails. Writes made by
// other callers while fn runs are lost on rollback.
func (m *MemoryStore) WithTx(_ context.Context, fn func(Store) error) error {
	saved := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(saved)
		return err
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*Repository)(nil)
)
