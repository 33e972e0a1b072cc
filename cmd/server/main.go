package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pagepass/server/internal/api"
	"github.com/pagepass/server/internal/config"
	"github.com/pagepass/server/internal/notify"
	"github.com/pagepass/server/internal/repository"
	"github.com/pagepass/server/internal/service"
	"github.com/pagepass/server/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Set up database connection
	db, err := config.SetupDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to set up database: %v", err)
	}
	defer db.Close()

	logger := utils.NewLogger()

	// Create repository
	repo := repository.NewPostgresRepository(db)

	// Create service
	notifier := notify.NewLogNotifier(logger)
	svc := service.NewDefaultService(repo, notifier, service.RealClock{}, logger, cfg.Auth.JWTSecret)

	// Create API handler
	handler := api.NewHandler(svc)

	// Set up Gin router
	router := gin.Default()

	// Add middleware for JWT secret
	router.Use(func(c *gin.Context) {
		c.Set("jwtSecret", []byte(cfg.Auth.JWTSecret))
		c.Next()
	})

	// Set up routes
	handler.SetupRoutes(router)

	// Run the periodic sweeps. Both are idempotent, so an overlapping or
	// duplicated run (another instance, the HTTP entry points) is safe.
	go runSweeps(svc, logger, time.Duration(cfg.Sweep.IntervalMinutes)*time.Minute)

	// Start server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", serverAddr)
	if err := http.ListenAndServe(serverAddr, router); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runSweeps(svc service.Service, logger *utils.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		ctx := context.Background()

		if advanced, err := svc.RunOfferTimeoutSweep(ctx); err != nil {
			logger.Error("offer timeout sweep: %v", err)
		} else if advanced > 0 {
			logger.Info("offer timeout sweep advanced %d offers", advanced)
		}

		if sent, err := svc.RunReminderSweep(ctx); err != nil {
			logger.Error("reminder sweep: %v", err)
		} else if sent > 0 {
			logger.Info("reminder sweep sent %d reminders", sent)
		}
	}
}
