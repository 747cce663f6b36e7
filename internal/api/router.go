package api

import (
	"github.com/labstack/echo/v4"
)

// Register mounts the REST routes on e.
func Register(e *echo.Echo, threads *ThreadService, status *StatusService) {
	e.GET("/health", status.Health)

	g := e.Group("/api")
	g.POST("/users", threads.UpsertUser)
	g.GET("/users/:userId/contacts", threads.Contacts)
	g.GET("/users/:userId/threads", threads.RecentThreads)
	g.GET("/threads/:userId/:contactId", threads.Thread)
}
