package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"attendly/api/middleware"
	"attendly/internal/dto"
	"attendly/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const defaultPushInterval = time.Second

type SessionHandler struct {
	Service      *service.AttendanceService
	Validate     *validator.Validate
	Upgrader     websocket.Upgrader
	PushInterval time.Duration
}

func NewSessionHandler(svc *service.AttendanceService, validate *validator.Validate) *SessionHandler {
	return &SessionHandler{
		Service:  svc,
		Validate: validate,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		PushInterval: defaultPushInterval,
	}
}

func (h *SessionHandler) CreateSession(c echo.Context) error {
	ownerID, ok := middleware.RequesterIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	var req dto.CreateSessionRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.validate(req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	result, err := h.Service.CreateSession(c.Request().Context(), service.CreateSessionInput{
		ClassID:  req.ClassID,
		OwnerID:  ownerID,
		Duration: time.Duration(req.DurationSeconds) * time.Second,
		Capacity: req.Capacity,
	})
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, dto.CreateSessionResponseFromResult(result))
}

func (h *SessionHandler) GetSession(c echo.Context) error {
	result, err := h.Service.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.SessionResponseFromResult(result))
}

func (h *SessionHandler) GetToken(c echo.Context) error {
	result, err := h.Service.GetCurrentToken(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeServiceError(c, err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, dto.TokenResponseFromResult(result))
}

// StreamToken pushes every new token to a display device until the session
// closes or the client goes away.
func (h *SessionHandler) StreamToken(c echo.Context) error {
	sessionID := c.Param("id")
	ctx := c.Request().Context()
	current, err := h.Service.GetCurrentToken(ctx, sessionID)
	if err != nil {
		return writeServiceError(c, err)
	}

	conn, err := h.Upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return nil
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(dto.TokenResponseFromResult(current)); err != nil {
		return nil
	}

	interval := h.PushInterval
	if interval <= 0 {
		interval = defaultPushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastIndex := current.Index
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gone:
			return nil
		case <-ticker.C:
		}

		next, err := h.Service.GetCurrentToken(ctx, sessionID)
		if err != nil {
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
			_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
			return nil
		}
		if next.Index == lastIndex {
			continue
		}
		lastIndex = next.Index
		if err := conn.WriteJSON(dto.TokenResponseFromResult(next)); err != nil {
			return nil
		}
	}
}

func (h *SessionHandler) SubmitScan(c echo.Context) error {
	studentID, ok := middleware.RequesterIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	var req dto.SubmitScanRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.validate(req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	input := service.SubmitScanInput{
		SessionID:  c.Param("id"),
		TokenValue: req.Token,
		StudentID:  studentID,
		DeviceID:   req.DeviceID,
		Location:   req.Location,
		IPAddress:  stringPtr(c.RealIP()),
		UserAgent:  stringPtr(c.Request().UserAgent()),
	}
	if req.SubmittedAt != nil {
		input.SubmittedAt = *req.SubmittedAt
	}
	result, err := h.Service.SubmitScan(c.Request().Context(), input)
	if err != nil {
		return writeServiceError(c, err)
	}
	status := http.StatusOK
	if result.RetryLater() {
		c.Response().Header().Set("Retry-After", "1")
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, dto.ScanResponseFromResult(result))
}

func (h *SessionHandler) EndSession(c echo.Context) error {
	requesterID, ok := middleware.RequesterIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	result, err := h.Service.EndSession(c.Request().Context(), c.Param("id"), requesterID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.EndSessionResponse{SessionID: result.SessionID, ClosedAt: result.ClosedAt})
}

func (h *SessionHandler) GetRoster(c echo.Context) error {
	result, err := h.Service.GetRoster(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.RosterResponseFromResult(result))
}

func (h *SessionHandler) RemoveEntry(c echo.Context) error {
	requesterID, ok := middleware.RequesterIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	if err := h.Service.RemoveEntry(c.Request().Context(), c.Param("id"), c.Param("entryId"), requesterID); err != nil {
		return writeServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SessionHandler) ListScanEvents(c echo.Context) error {
	requesterID, ok := middleware.RequesterIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	limit, _ := parseLimitOffset(c)
	events, err := h.Service.ListScanEvents(c.Request().Context(), c.Param("id"), requesterID, limit)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.ScanEventResponsesFromResults(events))
}

func (h *SessionHandler) GetActiveSession(c echo.Context) error {
	result, err := h.Service.GetActiveSession(c.Request().Context(), c.Param("classId"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.SessionResponseFromResult(result))
}

func (h *SessionHandler) ListArchivedSessions(c echo.Context) error {
	limit, offset := parseLimitOffset(c)
	page, err := h.Service.ListArchivedSessions(c.Request().Context(), c.Param("classId"), limit, offset)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.ArchivedSessionListFromPage(page))
}

func (h *SessionHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": h.Service.ActiveSessions(),
	})
}

func (h *SessionHandler) validate(payload any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(payload)
}

func decodeJSON(c echo.Context, target any) error {
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeError(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"message": err.Error()})
}

func writeServiceError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrAlreadyActive), errors.Is(err, service.ErrAlreadyClosed):
		status = http.StatusConflict
	case errors.Is(err, service.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, service.ErrShuttingDown), errors.Is(err, service.ErrArchiveUnavailable):
		status = http.StatusServiceUnavailable
	}
	return writeError(c, status, err)
}

func parseLimitOffset(c echo.Context) (int, int) {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	return limit, offset
}

func stringPtr(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
