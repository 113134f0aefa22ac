package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/BTreeMap/PatientSim/internal/auth"
	"github.com/BTreeMap/PatientSim/internal/casegen"
	"github.com/BTreeMap/PatientSim/internal/flow"
	"github.com/BTreeMap/PatientSim/internal/genai"
	"github.com/BTreeMap/PatientSim/internal/models"
	"github.com/BTreeMap/PatientSim/internal/store"
	"github.com/BTreeMap/PatientSim/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockChat implements ChatService for handler tests.
type mockChat struct {
	result   flow.TurnResult
	err      error
	sessions []models.SessionSummary
	lastReq  flow.TurnRequest
	lastList string
}

func (m *mockChat) HandleTurn(ctx context.Context, req flow.TurnRequest) (flow.TurnResult, error) {
	m.lastReq = req
	return m.result, m.err
}

func (m *mockChat) ListSessions(ctx context.Context, ownerID string) ([]models.SessionSummary, error) {
	m.lastList = ownerID
	return m.sessions, m.err
}

func newAuth() *auth.Service {
	return auth.NewService(store.NewInMemoryStore(), "test-secret", auth.WithBcryptCost(bcrypt.MinCost))
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestChatHandler_Success(t *testing.T) {
	chat := &mockChat{result: flow.TurnResult{Reply: "My head hurts.", PatientInfo: models.PatientInfo{Name: "Alex", Age: 30, Sex: "Male"}}}
	h := NewServer(chat, newAuth()).Handler()

	rr := do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/chat", models.ChatRequest{ThreadID: "t1", Message: "Hi", UserID: "doc1"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST /chat")

	var resp models.ChatResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	assert.Equal(t, "My head hurts.", resp.Response)
	assert.Equal(t, "Alex", resp.PatientInfo.Name)
	assert.Equal(t, flow.TurnRequest{ThreadID: "t1", OwnerID: "doc1", Message: "Hi"}, chat.lastReq)
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))
	assert.NotContains(t, rr.Body.String(), "disease")
}

func TestChatHandler_BadRequest(t *testing.T) {
	chat := &mockChat{}
	h := NewServer(chat, newAuth()).Handler()

	tests := []struct {
		name string
		body string
	}{
		{"missing thread", `{"message":"hi"}`},
		{"missing message", `{"thread_id":"t1"}`},
		{"empty body", ``},
		{"not json", `thread_id=t1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rr := do(t, h, req)
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
			var resp models.ErrorResponse
			testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
			assert.NotEmpty(t, resp.Error)
		})
	}
	assert.Empty(t, chat.lastReq.ThreadID, "handler must not be called")
}

func TestChatHandler_InternalErrorIsGeneric(t *testing.T) {
	chat := &mockChat{err: errors.New("pq: connection refused at 10.0.0.3")}
	h := NewServer(chat, newAuth()).Handler()

	rr := do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/chat", models.ChatRequest{ThreadID: "t1", Message: "Hi"}))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "POST /chat")
	assert.JSONEq(t, `{"error":"Internal server error"}`, rr.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", models.ErrBadRequest), http.StatusBadRequest},
		{models.ErrUsernameTaken, http.StatusBadRequest},
		{models.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{models.ErrForbidden, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "statusFor(%v)", tt.err)
	}
}

func TestSessionsHandler(t *testing.T) {
	chat := &mockChat{sessions: []models.SessionSummary{{ThreadID: "t2", Patient: "Maya", Disease: "Gout"}}}
	h := NewServer(chat, newAuth()).Handler()

	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/sessions/doc1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /sessions")
	assert.JSONEq(t, `[{"thread_id":"t2","patient":"Maya","disease":"Gout"}]`, rr.Body.String())
	assert.Equal(t, "doc1", chat.lastList)
}

func TestRegisterAndLoginHandlers(t *testing.T) {
	h := NewServer(&mockChat{}, newAuth()).Handler()
	creds := models.CredentialsRequest{Username: "doc1", Password: "pw"}

	rr := do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/register", creds))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "register")
	var reg models.RegisterResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &reg)
	assert.NotEmpty(t, reg.UserID)
	assert.NotEmpty(t, reg.Message)

	rr = do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/register", creds))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "duplicate register")

	rr = do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/register", models.CredentialsRequest{Username: "x"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "register missing password")

	rr = do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/login", models.CredentialsRequest{Username: "doc1", Password: "nope"}))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "login mismatch")

	rr = do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/login", creds))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "login")
	var login models.LoginResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &login)
	assert.NotEmpty(t, login.Token)
	assert.Equal(t, reg.UserID, login.UserID)
	assert.Equal(t, "doc1", login.Username)
}

func TestAuthentication(t *testing.T) {
	authSvc := newAuth()
	u, err := authSvc.Register(context.Background(), "doc1", "pw")
	require.NoError(t, err)
	login, err := authSvc.Login(context.Background(), "doc1", "pw")
	require.NoError(t, err)

	chatReq := models.ChatRequest{ThreadID: "t1", Message: "Hi", UserID: "someone-else"}

	t.Run("invalid token rejected even when optional", func(t *testing.T) {
		h := NewServer(&mockChat{}, authSvc).Handler()
		req := testutil.CreateJSONRequest(t, http.MethodPost, "/chat", chatReq)
		req.Header.Set("Authorization", "Bearer garbage")
		testutil.AssertHTTPStatus(t, http.StatusUnauthorized, do(t, h, req).Code, "bad token")
	})

	t.Run("valid token fills missing owner", func(t *testing.T) {
		chat := &mockChat{}
		h := NewServer(chat, authSvc).Handler()
		req := testutil.CreateJSONRequest(t, http.MethodPost, "/chat", models.ChatRequest{ThreadID: "t1", Message: "Hi"})
		req.Header.Set("Authorization", "Bearer "+login.Token)
		testutil.AssertHTTPStatus(t, http.StatusOK, do(t, h, req).Code, "token")
		assert.Equal(t, u.ID, chat.lastReq.OwnerID)
	})

	t.Run("required token missing", func(t *testing.T) {
		h := NewServer(&mockChat{}, authSvc, WithRequireAuth(true)).Handler()
		rr := do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/chat", chatReq))
		testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "no token")
	})

	t.Run("required token overrides owner", func(t *testing.T) {
		chat := &mockChat{}
		h := NewServer(chat, authSvc, WithRequireAuth(true)).Handler()
		req := testutil.CreateJSONRequest(t, http.MethodPost, "/chat", chatReq)
		req.Header.Set("Authorization", "Bearer "+login.Token)
		testutil.AssertHTTPStatus(t, http.StatusOK, do(t, h, req).Code, "token")
		assert.Equal(t, u.ID, chat.lastReq.OwnerID)
	})

	t.Run("required token limits session listing", func(t *testing.T) {
		chat := &mockChat{}
		h := NewServer(chat, authSvc, WithRequireAuth(true)).Handler()

		req := httptest.NewRequest(http.MethodGet, "/sessions/someone-else", nil)
		req.Header.Set("Authorization", "Bearer "+login.Token)
		testutil.AssertHTTPStatus(t, http.StatusForbidden, do(t, h, req).Code, "foreign sessions")

		req = httptest.NewRequest(http.MethodGet, "/sessions/doc1", nil)
		req.Header.Set("Authorization", "Bearer "+login.Token)
		testutil.AssertHTTPStatus(t, http.StatusOK, do(t, h, req).Code, "own sessions by username")
		assert.Equal(t, u.ID, chat.lastList)
	})

	t.Run("register and login stay open", func(t *testing.T) {
		h := NewServer(&mockChat{}, authSvc, WithRequireAuth(true)).Handler()
		rr := do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/login", models.CredentialsRequest{Username: "doc1", Password: "pw"}))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "login")
	})
}

func TestHealthz(t *testing.T) {
	h := NewServer(&mockChat{}, newAuth(), WithStoreBackend(store.BackendSQLite)).Handler()
	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	assert.JSONEq(t, `{"status":"ok","store":"sqlite"}`, rr.Body.String())
}

func TestCORS(t *testing.T) {
	h := NewServer(&mockChat{}, newAuth()).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := do(t, h, req)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>patient sim</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log('hi')"), 0o644))
	h := NewServer(&mockChat{}, newAuth(), WithStaticDir(dir)).Handler()

	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "index")
	assert.Contains(t, rr.Body.String(), "patient sim")

	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "asset")
	assert.Contains(t, rr.Body.String(), "console.log")

	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/some/client/route", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "spa fallback")
	assert.Contains(t, rr.Body.String(), "patient sim")

	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil))
	assert.NotContains(t, rr.Body.String(), "root:")

	rr = do(t, h, httptest.NewRequest(http.MethodPost, "/app.js", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "post to static")
}

func TestGzipJSON(t *testing.T) {
	chat := &mockChat{sessions: []models.SessionSummary{{ThreadID: strings.Repeat("t", 4096)}}}
	h := NewServer(chat, newAuth()).Handler()
	req := httptest.NewRequest(http.MethodGet, "/sessions/doc1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := do(t, h, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "gzip sessions")
	assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
}

func TestNoStaticDir_NotFound(t *testing.T) {
	h := NewServer(&mockChat{}, newAuth()).Handler()
	rr := do(t, h, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "no static")
}

// TestEndToEnd walks the trainee flow through real services with scripted models.
func TestEndToEnd(t *testing.T) {
	patient := testutil.SampleCase()
	creator := &testutil.FakeChat{Replies: []string{testutil.CaseJSON(patient)}}
	actor := &testutil.FakeChat{Respond: func(messages []genai.Message) (string, error) {
		last := strings.ToLower(messages[len(messages)-1].Content)
		if strings.Contains(last, "anything else") {
			return "Well, I've had some weight gain lately too.", nil
		}
		return "I feel always tired.", nil
	}}

	st := store.NewInMemoryStore()
	exec := flow.NewTurnExecutor(st, casegen.NewGenerator(creator, casegen.DefaultSettings()), actor)
	authSvc := auth.NewService(st, "e2e-secret", auth.WithBcryptCost(bcrypt.MinCost))
	h := NewServer(exec, authSvc, WithStoreBackend(st.Backend())).Handler()

	creds := models.CredentialsRequest{Username: "doc1", Password: "pw"}
	rr := do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/register", creds))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "register")

	rr = do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/login", creds))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "login")
	var login models.LoginResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &login)
	require.NotEmpty(t, login.Token)

	rr = do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/chat", models.ChatRequest{ThreadID: "t1", UserID: "doc1", Message: "Hi, what's wrong?"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first chat")
	var first models.ChatResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &first)
	assert.Equal(t, "Maya", first.PatientInfo.Name)
	assert.NotEmpty(t, first.Response)
	assert.NotContains(t, strings.ToLower(first.Response), "weight")

	rr = do(t, h, testutil.CreateJSONRequest(t, http.MethodPost, "/chat", models.ChatRequest{ThreadID: "t1", UserID: "doc1", Message: "anything else bothering you?"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "second chat")
	var second models.ChatResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &second)
	assert.Contains(t, strings.ToLower(second.Response), "weight gain")

	rr = do(t, h, httptest.NewRequest(http.MethodGet, "/sessions/doc1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "sessions")
	var list []models.SessionSummary
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &list)
	require.Len(t, list, 1)
	assert.Equal(t, models.SessionSummary{ThreadID: "t1", Patient: "Maya", Disease: "Hypothyroidism"}, list[0])

	assert.Equal(t, 1, creator.CallCount(), "one case per thread")
	calls := actor.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, genai.RoleSystem, calls[0].Messages[0].Role)
	assert.Len(t, calls[0].Messages, 2)
}
