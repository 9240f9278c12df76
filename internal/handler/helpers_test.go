package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aivf/internal/db"
	"github.com/aivf/internal/mailer"
	"github.com/aivf/internal/service"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const testBaseURL = "http://aivf.test"

var handlerDBCounter atomic.Int64

type fakeHTTPClient struct {
	handler func(*http.Request) (*http.Response, error)
}

func (f fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if f.handler == nil {
		return nil, errors.New("no handler configured")
	}
	return f.handler(req)
}

func aiReply(content string) *http.Response {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) messages() []mailer.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailer.Message(nil), m.sent...)
}

type testServer struct {
	api    *API
	engine *gin.Engine
	db     *gorm.DB
	mail   *recordingMailer
}

func setupHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handler-test-%d?mode=memory&cache=shared", handlerDBCounter.Add(1))
	gdb, err := db.Open(db.Options{Driver: "sqlite", Path: dsn, Silent: true})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	return gdb
}

// newTestServer 组装与线上一致的会话与鉴权中间件，时钟固定为 2024-01-01 10:00 UTC。
func newTestServer(t *testing.T, ai service.AIConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb := setupHandlerTestDB(t)
	mail := &recordingMailer{}
	api := NewAPI(gdb, Options{
		SessionSecret: "handler-test-secret",
		SiteBaseURL:   testBaseURL,
		AI:            ai,
		Mailer:        mail,
		Location:      time.UTC,
	})
	api.SetClock(func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) })

	r := gin.New()
	r.Use(sessions.Sessions("aivf_test", cookie.NewStore([]byte("handler-test-secret"))))
	r.GET("/healthz", api.HealthCheck)
	r.POST("/api/auth/register", api.RegisterClinic)
	r.POST("/api/auth/login", api.Login)
	r.POST("/api/auth/logout", api.Logout)
	r.POST("/api/auth/set-password", api.SetPassword)

	authed := r.Group("/api", AuthRequired())
	authed.GET("/auth/me", api.Me)
	authed.POST("/ai/chat", api.Chat)
	authed.POST("/ai/dosage", api.ExplainDosage)

	clinic := authed.Group("/clinic", RoleRequired(db.RoleClinicAdmin))
	clinic.GET("/medications", api.ListMedications)
	clinic.POST("/medications", api.CreateMedication)
	clinic.GET("/protocols", api.ListProtocols)
	clinic.POST("/protocols", api.CreateProtocol)
	clinic.GET("/protocols/:id", api.GetProtocol)
	clinic.GET("/patients", api.ListPatients)
	clinic.POST("/patients", api.CreatePatient)
	clinic.GET("/patients/:id", api.PatientDetail)
	clinic.POST("/patients/:id/assignments", api.AssignProtocol)
	clinic.POST("/patients/:id/setup-link", api.ResendSetupLink)
	clinic.GET("/patients/:id/completions", api.ListPatientCompletions)
	clinic.POST("/patients/:id/completions", api.RecordPatientCompletion)
	clinic.GET("/appointments", api.ListAppointments)
	clinic.POST("/appointments", api.CreateAppointment)

	patient := authed.Group("/patient", RoleRequired(db.RolePatient))
	patient.GET("/today", api.Today)
	patient.GET("/calendar", api.Calendar)
	patient.GET("/history", api.History)
	patient.GET("/completions", api.ListMyCompletions)
	patient.POST("/completions", api.RecordMyCompletion)
	patient.POST("/completions/:id/symptoms", api.LogSymptom)
	patient.POST("/completions/:id/analysis", api.RetryAnalysis)
	patient.GET("/appointments", api.MyAppointments)

	return &testServer{api: api, engine: r, db: gdb, mail: mail}
}

// client 是带 cookie jar 的进程内客户端。
type client struct {
	handler http.Handler
	jar     http.CookieJar
}

func (s *testServer) newClient(t *testing.T) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &client{handler: s.engine, jar: jar}
}

func (c *client) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, testBaseURL+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	u, _ := url.Parse(testBaseURL)
	for _, ck := range c.jar.Cookies(u) {
		req.AddCookie(ck)
	}

	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)
	resp := w.Result()
	c.jar.SetCookies(u, resp.Cookies())

	payload := map[string]interface{}{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: invalid JSON %q", method, path, w.Body.String())
		}
	}
	return w.Code, payload
}

func (c *client) mustDo(t *testing.T, method, path string, body interface{}, want int) map[string]interface{} {
	t.Helper()
	code, payload := c.do(t, method, path, body)
	if code != want {
		t.Fatalf("%s %s: expected status %d, got %d (%v)", method, path, want, code, payload)
	}
	return payload
}

// clinicFixture 是通过接口创建的一套诊所数据。
type clinicFixture struct {
	admin        *client
	medicationID uint
	protocolID   uint
	patientID    uint
	patientEmail string
}

func (s *testServer) seedClinic(t *testing.T, prefix string) clinicFixture {
	t.Helper()
	admin := s.newClient(t)
	admin.mustDo(t, http.MethodPost, "/api/auth/register", gin.H{
		"clinicName": prefix + " Fertility",
		"fullName":   "Dr " + prefix,
		"email":      prefix + "-admin@clinic.test",
		"password":   "clinic-pass-1",
	}, http.StatusCreated)

	med := admin.mustDo(t, http.MethodPost, "/api/clinic/medications", gin.H{"name": "Gonal-F"}, http.StatusCreated)
	medID := idOf(t, med, "medication")

	protocol := admin.mustDo(t, http.MethodPost, "/api/clinic/protocols", gin.H{
		"name": "Short antagonist",
		"phases": []gin.H{{
			"name":     "Stim",
			"duration": 3,
			"injections": []gin.H{
				{"dayOfPhase": 1, "medicationId": medID, "dosage": "150 IU", "time": "20:00"},
				{"dayOfPhase": 1, "dosage": "0.25 mg", "time": "08:00"},
				{"dayOfPhase": 3, "medicationId": medID, "dosage": "150 IU", "time": "20:00"},
			},
		}},
	}, http.StatusCreated)
	protocolID := idOf(t, protocol, "protocol")

	email := prefix + "-patient@mail.test"
	patient := admin.mustDo(t, http.MethodPost, "/api/clinic/patients", gin.H{
		"fullName":    "Patient " + prefix,
		"email":       email,
		"dateOfBirth": "1990-05-04",
	}, http.StatusCreated)
	patientID := idOf(t, patient, "patient")

	return clinicFixture{admin: admin, medicationID: medID, protocolID: protocolID, patientID: patientID, patientEmail: email}
}

// loginPatient 使用最近一封设置密码邮件完成激活并登录。
func (s *testServer) loginPatient(t *testing.T, email string) *client {
	t.Helper()
	token := ""
	for _, msg := range s.mail.messages() {
		if msg.To == email {
			token = tokenFromMail(t, msg.HTML)
		}
	}
	if token == "" {
		t.Fatalf("no setup mail for %s", email)
	}
	patient := s.newClient(t)
	patient.mustDo(t, http.MethodPost, "/api/auth/set-password", gin.H{"token": token, "password": "patient-pass-1"}, http.StatusOK)
	patient.mustDo(t, http.MethodPost, "/api/auth/login", gin.H{"email": email, "password": "patient-pass-1"}, http.StatusOK)
	return patient
}

func tokenFromMail(t *testing.T, html string) string {
	t.Helper()
	_, rest, ok := strings.Cut(html, "token=")
	if !ok {
		t.Fatalf("setup mail has no token: %s", html)
	}
	raw, _, _ := strings.Cut(rest, `"`)
	token, err := url.QueryUnescape(raw)
	if err != nil {
		t.Fatalf("unescape token: %v", err)
	}
	return token
}

func idOf(t *testing.T, payload map[string]interface{}, key string) uint {
	t.Helper()
	obj, ok := payload[key].(map[string]interface{})
	if !ok {
		t.Fatalf("payload has no %q object: %v", key, payload)
	}
	id, ok := obj["id"].(float64)
	if !ok || id == 0 {
		t.Fatalf("%q has no id: %v", key, obj)
	}
	return uint(id)
}

func idString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
