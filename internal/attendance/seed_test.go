package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/audit"
	"qrattend/internal/auth"
	"qrattend/internal/securetoken"
)

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, Seed(ctx, store, testNow))
	require.NoError(t, Seed(ctx, store, testNow))

	n, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	courses, err := store.ListCourses(ctx)
	require.NoError(t, err)
	require.Len(t, courses, 2)
	assert.Equal(t, "CS301", courses[0].Code)

	stu1, err := store.UserByUsername(ctx, "stu1")
	require.NoError(t, err)
	require.NotNil(t, stu1)
	assert.True(t, auth.CheckPassword(stu1.PasswordHash, "student1"))

	enrolled, err := store.IsEnrolled(ctx, stu1.ID, courses[1].ID)
	require.NoError(t, err)
	assert.True(t, enrolled)

	recs, err := store.CourseRecords(ctx, courses[0].ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "John Student", recs[0].StudentName)

	// The seeded record occupies today's slot for stu1 in CS301.
	svc := NewService(store, &fakeRecorder{}, Options{
		Tokens: securetoken.NewValidator(testSigner, securetoken.DefaultTTL),
		Now:    func() time.Time { return testNow },
	})
	_, err = svc.CheckIn(ctx, CheckInRequest{Code: "STU1-QRCODE", CourseCode: "CS301"})
	assert.ErrorIs(t, err, ErrAlreadyLogged)
}

// enrollFailStore fails the first Enroll it sees, after users and courses exist.
type enrollFailStore struct {
	*MemoryStore
	failed bool
}

func (s *enrollFailStore) Enroll(ctx context.Context, studentID, courseID int64) error {
	if !s.failed {
		s.failed = true
		return errors.New("connection reset")
	}
	return s.MemoryStore.Enroll(ctx, studentID, courseID)
}

func (s *enrollFailStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return s.MemoryStore.WithTx(ctx, func(Store) error { return fn(s) })
}

func TestSeedFailureLeavesStoreEmpty(t *testing.T) {
	ctx := context.Background()
	store := &enrollFailStore{MemoryStore: NewMemoryStore()}

	require.Error(t, Seed(ctx, store, testNow))
	n, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	courses, err := store.ListCourses(ctx)
	require.NoError(t, err)
	assert.Empty(t, courses)

	// The next start seeds the whole directory.
	require.NoError(t, Seed(ctx, store, testNow))
	n, err = store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	stu2, err := store.UserByUsername(ctx, "stu2")
	require.NoError(t, err)
	require.NotNil(t, stu2)
	enrolled, err := store.IsEnrolled(ctx, stu2.ID, 2)
	require.NoError(t, err)
	assert.True(t, enrolled)
}

func TestMemoryStoreRejectsDuplicateDirectoryEntries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateUser(ctx, &User{Identifier: "A", Username: "a"}))
	assert.Error(t, store.CreateUser(ctx, &User{Identifier: "B", Username: "a"}))
	require.NoError(t, store.CreateCourse(ctx, &Course{Code: "CS1"}))
	assert.Error(t, store.CreateCourse(ctx, &Course{Code: "cs1"}))
}

func TestMemoryStoreAuditDedupByUID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	evt := auditEvent("u-1")
	require.NoError(t, store.AppendAuditEvent(ctx, evt))
	require.NoError(t, store.AppendAuditEvent(ctx, evt))
	require.NoError(t, store.AppendAuditEvent(ctx, auditEvent("u-2")))

	got, err := store.ListAuditEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u-2", got[0].UID)
}

func auditEvent(uid string) audit.Event {
	return audit.Event{UID: uid, ActorID: 1, ActorName: "Dr. Prof One", Action: audit.ActionModeToggle, At: testNow}
}
