package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mpetrenko/coverbot/app/controllers"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers all HTTP routes.
func InstallRouter(app *fiber.App, webhook *controllers.WebhookController) {
	setup(app, NewHttpRouter(webhook))
}

func setup(app *fiber.App, routers ...Router) {
	for _, r := range routers {
		r.InstallRouter(app)
	}
}
