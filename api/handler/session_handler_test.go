package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"attendly/api/middleware"
	"attendly/internal/attendance"
	"attendly/internal/clock"
	"attendly/internal/dto"
	"attendly/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

var handlerStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type handlerFixture struct {
	echo     *echo.Echo
	clock    *clock.Manual
	registry *attendance.Registry
	handler  *SessionHandler
}

// asRequester stands in for the JWT middleware.
func asRequester(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if id := c.Request().Header.Get("X-Test-User"); id != "" {
			middleware.SetRequesterContext(c, id, c.Request().Header.Get("X-Test-Role"))
		}
		return next(c)
	}
}

func newHandlerFixture(t *testing.T, config attendance.Config) *handlerFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clk := clock.NewManual(handlerStart)
	registry := attendance.NewRegistry(clk, attendance.RandomSourceFactory, nil, logger, config)
	svc := service.NewAttendanceService(registry, nil, nil, nil, nil, logger)
	h := NewSessionHandler(svc, validator.New())
	h.PushInterval = 5 * time.Millisecond

	e := echo.New()
	e.GET("/health", h.Health)
	e.POST("/sessions", h.CreateSession, asRequester)
	e.GET("/sessions/:id", h.GetSession, asRequester)
	e.GET("/sessions/:id/token", h.GetToken, asRequester)
	e.GET("/sessions/:id/token/stream", h.StreamToken, asRequester)
	e.POST("/sessions/:id/scans", h.SubmitScan, asRequester)
	e.POST("/sessions/:id/end", h.EndSession, asRequester)
	e.GET("/sessions/:id/roster", h.GetRoster, asRequester)
	e.DELETE("/sessions/:id/entries/:entryId", h.RemoveEntry, asRequester)
	e.GET("/sessions/:id/events", h.ListScanEvents, asRequester)
	e.GET("/classes/:classId/active-session", h.GetActiveSession, asRequester)
	e.GET("/classes/:classId/sessions", h.ListArchivedSessions, asRequester)

	return &handlerFixture{echo: e, clock: clk, registry: registry, handler: h}
}

func (f *handlerFixture) do(method, path, user, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("expected JSON body, got %q: %v", rec.Body.String(), err)
	}
	return out
}

func (f *handlerFixture) createSession(t *testing.T, classID string) dto.CreateSessionResponse {
	t.Helper()
	rec := f.do(http.MethodPost, "/sessions", "teacher1", `{"class_id":"`+classID+`","duration_seconds":600,"capacity":45}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody[dto.CreateSessionResponse](t, rec)
}

func TestSessionHandler_CreateSession(t *testing.T) {
	f := newHandlerFixture(t, attendance.DefaultConfig())
	created := f.createSession(t, "cs101")
	if created.ClassID != "CS101" || created.InitialToken == "" {
		t.Fatalf("expected normalized class and token, got %+v", created)
	}
	if !created.ClosesAt.Equal(handlerStart.Add(10 * time.Minute)) {
		t.Fatalf("expected closes_at start+10m, got %v", created.ClosesAt)
	}

	rec := f.do(http.MethodPost, "/sessions", "teacher2", `{"class_id":"CS101"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second active session, got %d", rec.Code)
	}
}

func TestSessionHandler_CreateSession_BadRequest(t *testing.T) {
	f := newHandlerFixture(t, attendance.DefaultConfig())
	cases := map[string]string{
		"unknown field": `{"class_id":"CS101","room":"B2"}`,
		"missing class": `{"duration_seconds":60}`,
		"negative":      `{"class_id":"CS101","duration_seconds":-1}`,
		"malformed":     `{"class_id":`,
	}
	for name, body := range cases {
		if rec := f.do(http.MethodPost, "/sessions", "teacher1", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
	if rec := f.do(http.MethodPost, "/sessions", "", `{"class_id":"CS101"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without requester, got %d", rec.Code)
	}
}

func TestSessionHandler_CreateSession_MaxDurationFromConfig(t *testing.T) {
	config := attendance.DefaultConfig()
	config.MaxDuration = 8 * time.Hour
	f := newHandlerFixture(t, config)
	rec := f.do(http.MethodPost, "/sessions", "teacher1", `{"class_id":"CS101","duration_seconds":18000}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a 5h session under an 8h limit, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[dto.CreateSessionResponse](t, rec)
	if !created.ClosesAt.Equal(handlerStart.Add(5 * time.Hour)) {
		t.Fatalf("expected closes_at start+5h, got %v", created.ClosesAt)
	}

	rec = f.do(http.MethodPost, "/sessions", "teacher1", `{"class_id":"CS102","duration_seconds":28801}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 past the configured limit, got %d", rec.Code)
	}
}

func TestSessionHandler_ScanFlow(t *testing.T) {
	f := newHandlerFixture(t, attendance.DefaultConfig())
	created := f.createSession(t, "CS101")
	f.clock.Advance(3 * time.Second)

	tokenRec := f.do(http.MethodGet, "/sessions/"+created.SessionID+"/token", "cr1", "")
	if tokenRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", tokenRec.Code)
	}
	if tokenRec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected token response not cached")
	}
	token := decodeBody[dto.TokenResponse](t, tokenRec)

	scanPath := "/sessions/" + created.SessionID + "/scans"
	rec := f.do(http.MethodPost, scanPath, "2021cs001", `{"token":"`+token.TokenValue+`","device_id":"phone-1","location":"Room 101"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	accepted := decodeBody[dto.ScanResponse](t, rec)
	if !accepted.Accepted || accepted.EntryID == "" {
		t.Fatalf("expected accepted scan, got %+v", accepted)
	}

	rec = f.do(http.MethodPost, scanPath, "2021CS001", `{"token":"`+token.TokenValue+`"}`)
	duplicate := decodeBody[dto.ScanResponse](t, rec)
	if rec.Code != http.StatusOK || duplicate.Accepted || duplicate.Reason != string(attendance.ReasonDuplicateScan) {
		t.Fatalf("expected 200 with DuplicateScan, got %d %+v", rec.Code, duplicate)
	}

	rec = f.do(http.MethodPost, scanPath, "2021CS002", `{"token":"stale"}`)
	invalid := decodeBody[dto.ScanResponse](t, rec)
	if invalid.Reason != string(attendance.ReasonTokenExpiredOrInvalid) {
		t.Fatalf("expected TokenExpiredOrInvalid, got %+v", invalid)
	}

	roster := decodeBody[dto.RosterResponse](t, f.do(http.MethodGet, "/sessions/"+created.SessionID+"/roster", "teacher1", ""))
	if roster.Count != 1 || len(roster.Entries) != 1 || roster.Entries[0].StudentID != "2021CS001" {
		t.Fatalf("expected one roster entry, got %+v", roster)
	}
	if roster.Capacity != 45 {
		t.Fatalf("expected capacity 45, got %d", roster.Capacity)
	}
	if roster.Entries[0].Location != "Room 101" {
		t.Fatalf("expected location Room 101 in roster, got %q", roster.Entries[0].Location)
	}

	entryPath := "/sessions/" + created.SessionID + "/entries/" + accepted.EntryID
	if rec := f.do(http.MethodDelete, entryPath, "teacher2", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, entryPath, "teacher1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, entryPath, "teacher1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second removal, got %d", rec.Code)
	}

	endPath := "/sessions/" + created.SessionID + "/end"
	if rec := f.do(http.MethodPost, endPath, "teacher2", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner end, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, endPath, "teacher1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, endPath, "teacher1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second end, got %d", rec.Code)
	}

	rec = f.do(http.MethodPost, scanPath, "2021CS003", `{"token":"`+token.TokenValue+`"}`)
	closed := decodeBody[dto.ScanResponse](t, rec)
	if closed.Reason != string(attendance.ReasonSessionClosed) {
		t.Fatalf("expected SessionClosed, got %+v", closed)
	}
	if rec := f.do(http.MethodGet, "/sessions/"+created.SessionID+"/token", "cr1", ""); rec.Code != http.StatusGone {
		t.Fatalf("expected 410 for closed session token, got %d", rec.Code)
	}
}

func TestSessionHandler_SubmitScan_RetryLater(t *testing.T) {
	config := attendance.DefaultConfig()
	config.AdmissionRate = 1
	config.AdmissionBurst = 1
	f := newHandlerFixture(t, config)
	created := f.createSession(t, "CS101")
	scanPath := "/sessions/" + created.SessionID + "/scans"

	f.do(http.MethodPost, scanPath, "A", `{"token":"`+created.InitialToken+`"}`)
	rec := f.do(http.MethodPost, scanPath, "B", `{"token":"`+created.InitialToken+`"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if body := decodeBody[dto.ScanResponse](t, rec); body.Reason != string(attendance.ReasonRetryLater) {
		t.Fatalf("expected RetryLater body, got %+v", body)
	}
}

func TestSessionHandler_GetActiveSession(t *testing.T) {
	f := newHandlerFixture(t, attendance.DefaultConfig())
	if rec := f.do(http.MethodGet, "/classes/CS101/active-session", "s1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	created := f.createSession(t, "CS101")
	rec := f.do(http.MethodGet, "/classes/cs101/active-session", "s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	session := decodeBody[dto.SessionResponse](t, rec)
	if session.SessionID != created.SessionID || session.State != string(attendance.StateActive) {
		t.Fatalf("expected active session %s, got %+v", created.SessionID, session)
	}

	if rec := f.do(http.MethodGet, "/sessions/"+created.SessionID, "s1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for session lookup, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/sessions/unknown", "s1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestSessionHandler_ArchiveUnavailable(t *testing.T) {
	f := newHandlerFixture(t, attendance.DefaultConfig())
	if rec := f.do(http.MethodGet, "/classes/CS101/sessions", "teacher1", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without archive, got %d", rec.Code)
	}
	created := f.createSession(t, "CS101")
	if rec := f.do(http.MethodGet, "/sessions/"+created.SessionID+"/events", "teacher1", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without event store, got %d", rec.Code)
	}
}

func TestSessionHandler_Health(t *testing.T) {
	f := newHandlerFixture(t, attendance.DefaultConfig())
	f.createSession(t, "CS101")
	rec := f.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["active_sessions"] != float64(1) {
		t.Fatalf("expected one active session, got %v", body["active_sessions"])
	}
}

func TestSessionHandler_StreamToken(t *testing.T) {
	f := newHandlerFixture(t, attendance.DefaultConfig())
	created := f.createSession(t, "CS101")
	server := httptest.NewServer(f.echo)
	defer server.Close()

	header := http.Header{}
	header.Set("X-Test-User", "cr1")
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/sessions/" + created.SessionID + "/token/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("expected websocket dial to succeed, got %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first dto.TokenResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("expected first token, got %v", err)
	}
	if first.TokenValue != created.InitialToken || first.Index != 0 {
		t.Fatalf("expected initial token, got %+v", first)
	}

	f.clock.Advance(5 * time.Second)
	var second dto.TokenResponse
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("expected rotated token, got %v", err)
	}
	if second.Index != 1 || second.TokenValue == first.TokenValue {
		t.Fatalf("expected rotation to index 1, got %+v", second)
	}

	if _, err := f.registry.EndSession(created.SessionID, "teacher1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after session end, got %v", err)
	}
}
