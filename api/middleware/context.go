package middleware

import (
	"github.com/labstack/echo/v4"
)

const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
	// RoleCR is a class representative running a display device.
	RoleCR = "cr"
)

const (
	contextRequesterKey = "auth_requester_id"
	contextRoleKey      = "auth_role"
)

func SetRequesterContext(c echo.Context, requesterID string, role string) {
	c.Set(contextRequesterKey, requesterID)
	c.Set(contextRoleKey, role)
}

func RequesterIDFromContext(c echo.Context) (string, bool) {
	value := c.Get(contextRequesterKey)
	requesterID, ok := value.(string)
	return requesterID, ok && requesterID != ""
}

func RoleFromContext(c echo.Context) (string, bool) {
	value := c.Get(contextRoleKey)
	role, ok := value.(string)
	return role, ok
}

func knownRole(role string) bool {
	switch role {
	case RoleTeacher, RoleStudent, RoleCR:
		return true
	}
	return false
}
