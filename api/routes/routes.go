package routes

import (
	"net/http"
	"time"

	"attendly/api/handler"
	"attendly/api/middleware"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type Router struct {
	Echo           *echo.Echo
	Sessions       *handler.SessionHandler
	AuthMiddleware middleware.AuthMiddleware
	ScanRate       *middleware.RateLimiter
	Metrics        http.Handler
}

func NewRouter(e *echo.Echo, sessionHandler *handler.SessionHandler, authMiddleware middleware.AuthMiddleware) *Router {
	return &Router{
		Echo:           e,
		Sessions:       sessionHandler,
		AuthMiddleware: authMiddleware,
		ScanRate:       middleware.NewRateLimiter(rate.Limit(5), 10, 10*time.Minute).WithKey(middleware.RequesterKey),
	}
}

func (r *Router) RegisterRoutes() {
	e := r.Echo
	auth := r.AuthMiddleware.RequireAuth
	teacher := middleware.RequireRole(middleware.RoleTeacher)
	display := middleware.RequireRole(middleware.RoleTeacher, middleware.RoleCR)

	e.GET("/health", r.Sessions.Health)
	if r.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(r.Metrics))
	}

	e.POST("/sessions", r.Sessions.CreateSession, auth, teacher)
	e.GET("/sessions/:id", r.Sessions.GetSession, auth)
	e.GET("/sessions/:id/token", r.Sessions.GetToken, auth, display)
	e.GET("/sessions/:id/token/stream", r.Sessions.StreamToken, auth, display)
	e.POST("/sessions/:id/scans", r.Sessions.SubmitScan, auth, middleware.RequireRole(middleware.RoleStudent), r.ScanRate.Middleware())
	e.POST("/sessions/:id/end", r.Sessions.EndSession, auth, teacher)
	e.GET("/sessions/:id/roster", r.Sessions.GetRoster, auth, display)
	e.DELETE("/sessions/:id/entries/:entryId", r.Sessions.RemoveEntry, auth, teacher)
	e.GET("/sessions/:id/events", r.Sessions.ListScanEvents, auth, teacher)

	e.GET("/classes/:classId/active-session", r.Sessions.GetActiveSession, auth)
	e.GET("/classes/:classId/sessions", r.Sessions.ListArchivedSessions, auth, teacher)
}
