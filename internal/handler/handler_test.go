package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
	"qrattend/internal/audit"
	"qrattend/internal/auth"
	"qrattend/internal/queue"
	"qrattend/internal/securetoken"
)

const (
	testKey    = "handler-test-key"
	testIssuer = "qrattend-test"
)

type env struct {
	router *gin.Engine
	store  *attendance.MemoryStore
	rec    *audit.QueueRecorder
	signer *securetoken.Signer
}

func setup(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := attendance.NewMemoryStore()
	require.NoError(t, attendance.Seed(ctx, store, time.Now().Add(-72*time.Hour)))

	q := queue.NewInMemory(16)
	go func() { _ = audit.NewSink(q, store).Run(ctx) }()
	rec := audit.NewQueueRecorder(q)

	signer := securetoken.NewSigner(testKey)
	svc := attendance.NewService(store, rec, attendance.Options{
		Tokens: securetoken.NewValidator(signer, securetoken.DefaultTTL),
	})
	h := New(svc, securetoken.NewIssuer(securetoken.DefaultTTL, signer), Config{
		JWTIssuer: testIssuer, JWTSigningKey: testKey, AccessTTL: time.Hour,
	})
	r := gin.New()
	h.Register(r, nil)
	return &env{router: r, store: store, rec: rec, signer: signer}
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": username, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *env) courseID(t *testing.T, code string) string {
	t.Helper()
	c, err := e.store.CourseByCode(context.Background(), code)
	require.NoError(t, err)
	require.NotNil(t, c)
	return strconv.FormatInt(c.ID, 10)
}

func TestLogin(t *testing.T) {
	e := setup(t)
	rec := e.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "stu1", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", decode(t, rec)["error"])

	rec = e.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "stu1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tok := e.login(t, "stu1", "student1")
	rec = e.do(t, http.MethodGet, "/v1/me", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode(t, rec)["user"].(map[string]any)
	assert.Equal(t, "John Student", user["full_name"])
	assert.NotContains(t, user, "password_hash")
}

func TestSubmitCheckInErrors(t *testing.T) {
	e := setup(t)
	prof := e.login(t, "prof1", "profpass")
	stu := e.login(t, "stu1", "student1")

	tests := []struct {
		name   string
		token  string
		body   any
		status int
		code   string
	}{
		{name: "student cannot scan", token: stu, body: gin.H{"qr": "STU2-QRCODE", "course": "CS301"}, status: http.StatusForbidden, code: "forbidden"},
		{name: "empty body", token: prof, status: http.StatusBadRequest, code: "missing_qr"},
		{name: "missing qr", token: prof, body: gin.H{"course": "CS301"}, status: http.StatusBadRequest, code: "missing_qr"},
		{name: "missing course", token: prof, body: gin.H{"qr": "STU2-QRCODE"}, status: http.StatusBadRequest, code: "missing_course"},
		{name: "unknown course", token: prof, body: gin.H{"qr": "STU2-QRCODE", "course": "XX1"}, status: http.StatusNotFound, code: "course_not_found"},
		{name: "unknown student", token: prof, body: gin.H{"qr": "NOPE", "course": "CS301"}, status: http.StatusNotFound, code: "student_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/checkins", tt.token, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode(t, rec)["error"])
		})
	}
}

func TestSecureModeFlow(t *testing.T) {
	e := setup(t)
	prof := e.login(t, "prof1", "profpass")
	stu := e.login(t, "stu2", "student2")
	cs405 := e.courseID(t, "CS405")

	rec := e.do(t, http.MethodPatch, "/v1/courses/"+cs405+"/mode", prof, gin.H{"secure_qr_mode": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/v1/checkins", prof, gin.H{"qr": "STU2-QRCODE", "course": "CS405"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "secure_required", decode(t, rec)["error"])

	rec = e.do(t, http.MethodGet, "/v1/secure-token", stu, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	payload := body["payload"].(string)
	assert.EqualValues(t, 30, body["refresh_after"])

	rec = e.do(t, http.MethodPost, "/v1/checkins", prof, gin.H{"qr": payload, "course": "CS405"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	record := decode(t, rec)["record"].(map[string]any)
	assert.Equal(t, "Jillian Student", record["student_name"])
	assert.Equal(t, "PRESENT", record["status"])

	rec = e.do(t, http.MethodPost, "/v1/checkins", prof, gin.H{"qr": payload, "course": "CS405"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_logged", decode(t, rec)["error"])

	expired := securetoken.Token{Identifier: "STU1-QRCODE", IssuedAt: time.Now().Add(-time.Minute), ExpiresAt: time.Now().Add(-time.Second)}
	expired.Signature = e.signer.Sign(expired)
	rec = e.do(t, http.MethodPost, "/v1/checkins", prof, gin.H{"qr": expired.Encode(), "course": "CS405"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "expired", decode(t, rec)["error"])

	forged := `{"sid":"STU1-QRCODE","exp":` + strconv.FormatInt(time.Now().Add(365*24*time.Hour).UnixMilli(), 10) + `}`
	rec = e.do(t, http.MethodPost, "/v1/checkins", prof, gin.H{"qr": forged, "course": "CS405"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "invalid_token", decode(t, rec)["error"])

	// Only the staff member's mode toggle is audited.
	e.rec.Wait()
	require.Eventually(t, func() bool {
		events, _ := e.store.ListAuditEvents(context.Background(), 0)
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)
	rec = e.do(t, http.MethodGet, "/v1/audit-events", prof, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode(t, rec)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionModeToggle, events[0].(map[string]any)["action"])
}

func TestSecureTokenPNG(t *testing.T) {
	e := setup(t)
	stu := e.login(t, "stu1", "student1")
	rec := e.do(t, http.MethodGet, "/v1/secure-token.png", stu, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	prof := e.login(t, "prof1", "profpass")
	rec = e.do(t, http.MethodGet, "/v1/secure-token", prof, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSelfCheckIn(t *testing.T) {
	e := setup(t)
	prof := e.login(t, "prof1", "profpass")
	stu := e.login(t, "stu1", "student1")
	cs301 := e.courseID(t, "CS301")

	rec := e.do(t, http.MethodPost, "/v1/courses/"+cs301+"/self-checkin", stu, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "mode_inactive", decode(t, rec)["error"])

	rec = e.do(t, http.MethodPatch, "/v1/courses/"+cs301+"/mode", prof, gin.H{"is_online": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/courses/"+cs301+"/self-checkin", stu, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, attendance.OnlineRemarks, decode(t, rec)["record"].(map[string]any)["remarks"])

	rec = e.do(t, http.MethodPost, "/v1/courses/"+cs301+"/self-checkin", stu, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/courses/abc/self-checkin", stu, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/attendance/me", stu, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// The seeded record from three days ago plus today's online check-in.
	assert.Len(t, decode(t, rec)["records"].([]any), 2)
}

func TestSelfCheckInNotEnrolled(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	require.NoError(t, e.store.CreateUser(ctx, &attendance.User{
		Identifier: "STU9", Username: "stu9", PasswordHash: hash, Role: auth.RoleStudent, FullName: "Nine",
	}))
	prof := e.login(t, "prof1", "profpass")
	stu := e.login(t, "stu9", "pw")
	cs301 := e.courseID(t, "CS301")

	rec := e.do(t, http.MethodPatch, "/v1/courses/"+cs301+"/mode", prof, gin.H{"is_online": true})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/v1/courses/"+cs301+"/self-checkin", stu, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_enrolled", decode(t, rec)["error"])
}

func TestTrendAndReview(t *testing.T) {
	e := setup(t)
	prof := e.login(t, "prof1", "profpass")
	cs301 := e.courseID(t, "CS301")

	rec := e.do(t, http.MethodGet, "/v1/courses/"+cs301+"/trend", prof, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Insufficient Data", body["label"])
	assert.Nil(t, body["projected_rate"])

	rec = e.do(t, http.MethodPost, "/v1/checkins", prof, gin.H{"qr": "STU2-QRCODE", "course": "CS301", "status": "ABSENT"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := int64(decode(t, rec)["record"].(map[string]any)["id"].(float64))

	rec = e.do(t, http.MethodPatch, "/v1/attendance/"+strconv.FormatInt(id, 10), prof, gin.H{"status": "EXCUSED", "remarks": "note"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "EXCUSED", decode(t, rec)["record"].(map[string]any)["status"])

	rec = e.do(t, http.MethodGet, "/v1/courses/"+cs301+"/attendance", prof, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["records"].([]any), 2)

	rec = e.do(t, http.MethodGet, "/v1/courses/999/trend", prof, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConcurrentSubmitsLogOnce(t *testing.T) {
	e := setup(t)
	prof := e.login(t, "prof1", "profpass")

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = e.do(t, http.MethodPost, "/v1/checkins", prof, gin.H{"qr": "STU2-QRCODE", "course": "CS405"}).Code
		}(i)
	}
	wg.Wait()
	assert.ElementsMatch(t, []int{http.StatusCreated, http.StatusConflict}, codes)
}
