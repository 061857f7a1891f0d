package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/mpetrenko/coverbot/app/controllers"
	"github.com/mpetrenko/coverbot/app/repository"
	"github.com/mpetrenko/coverbot/internal/pkg/cache"
	"github.com/mpetrenko/coverbot/internal/pkg/database"
	"github.com/mpetrenko/coverbot/internal/pkg/env"
	"github.com/mpetrenko/coverbot/internal/pkg/notify"
	"github.com/mpetrenko/coverbot/internal/pkg/payments"
	"github.com/mpetrenko/coverbot/internal/pkg/quota"
	"github.com/mpetrenko/coverbot/internal/pkg/ratelimit"
	"github.com/mpetrenko/coverbot/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalFactory().GetRepositories()

	// Admission stack: sliding-window limiter plus the quota ledger behind
	// the facade the conversational layer calls.
	limiter := ratelimit.NewLimiterFromEnv(env.GetEnvInt64List("ADMIN_USER_IDS"))
	limiter.Start()
	ledger := quota.NewLedgerFromEnv(repos.Quota)

	dispatcher := notify.NewDispatcher(notify.NewTelegramSenderFromEnv(), 2)
	dispatcher.Start()

	paymentSvc := payments.NewServiceFromEnv(repos, ledger, dispatcher)

	app := fiber.New(fiber.Config{
		AppName: "coverbot",
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	webhook := controllers.NewWebhookController(paymentSvc, env.GetEnvBool("PAYMENTS_ENABLED", true))
	router.InstallRouter(app, webhook)

	return app
}
