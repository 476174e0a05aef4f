package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"gasless-relayer/controllers"
	"gasless-relayer/metrics"
	"gasless-relayer/middlewares"
)

// Options carries route-level settings that are not handler dependencies.
type Options struct {
	OperatorJWTSecret string
}

// Register wires all HTTP routes.
func Register(app *fiber.App, api *controllers.API, opts Options) {
	app.Get("/health", api.Health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	idempotent := middlewares.Idempotency(api.DB, api.Logger)

	// Account abstraction
	aa := app.Group("/aa")
	aa.Post("/enable", idempotent, api.EnableAA)
	aa.Post("/status", api.AAStatus)

	// Session keys
	session := app.Group("/session")
	session.Post("/register", api.RegisterSession)
	session.Post("/status", api.SessionStatus)
	session.Post("/revoke", api.RevokeSession)
	session.Post("/transaction", idempotent, api.SessionTransaction)

	// Operator endpoints (JWT auth)
	admin := app.Group("/admin", middlewares.IsOperator(opts.OperatorJWTSecret))
	admin.Post("/sessions/purge", api.PurgeSessions)
	admin.Get("/relay/:requestKey", api.RelayRequest)
}
