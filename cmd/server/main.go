package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/access"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/amo"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/api"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/config"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/db"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/dossiers"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/logging"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/parcours"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/services"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/storage"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/webhooks"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	log.Printf("Parcours service starting (GIT_SHA=%s BUILD_TIME=%s)", os.Getenv("GIT_SHA"), os.Getenv("BUILD_TIME"))

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Println("[WARN] JWT_SECRET not set; every /api route will answer 401")
	}

	database, err := db.NewDatabase()
	if err != nil {
		log.Fatalf("Database initialization failed: %v", err)
	}
	defer database.Close()

	guard := access.NewGuard(database)
	tracker := parcours.NewTracker(database, database, guard)
	coordinator := amo.NewCoordinator(database, guard, database, tracker, cfg)

	ctx := context.Background()

	// SES and SNS may live in different regions
	if cfg.SESFromEmail != "" {
		sesCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SESRegion))
		if err != nil {
			log.Printf("[WARN] SES AWS config load failed: %v", err)
		} else {
			mailer := services.NewEmailService(sesCfg, cfg.SESFromEmail, os.Getenv("SES_REPLY_TO")).WithConfigurationSet(cfg.SESConfigurationSet)
			coordinator.WithMailer(mailer, database)
			if cfg.SESConfigurationSet == "" {
				log.Println("[WARN] SES_CONFIGURATION_SET not set; decision-link engagement will not be tracked")
			}
		}
	} else {
		log.Println("[WARN] SES_FROM_EMAIL not set; emailed decision links disabled")
	}
	if cfg.SMSEnabled {
		snsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SNSRegion))
		if err != nil {
			log.Printf("[WARN] SNS AWS config load failed: %v", err)
		} else {
			coordinator.WithNotifier(services.NewSmsService(snsCfg))
		}
	}

	client := dossiers.NewClient(cfg.DSAPIURL, cfg.DSAPIToken, cfg.DSTimeout)
	synchronizer := dossiers.NewSynchronizer(database, client, tracker, cfg.DSDemarches)

	var archiver webhooks.Archiver
	archive, err := storage.NewS3Archive(ctx, cfg.WebhookArchiveBucket, cfg.AWSRegion)
	if err != nil {
		log.Printf("[WARN] Webhook archive disabled: %v", err)
	} else if archive.Enabled() {
		archiver = archive
	}
	if cfg.WebhookSecret == "" {
		log.Println("[WARN] WEBHOOK_SECRET not set; every notification webhook will be rejected")
	}
	ingester := webhooks.NewIngester(cfg.WebhookSecret, database, archiver)

	handler := api.NewHandler(database, tracker, coordinator, synchronizer, ingester)
	router := setupRouter(handler, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting parcours service on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down parcours service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] Graceful shutdown failed: %v", err)
	}
}

func setupRouter(handler *api.Handler, cfg config.Config) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(logging.JSONLogger())
	router.Use(gin.Recovery())

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if origin := os.Getenv("FRONTEND_ORIGIN"); origin != "" {
		corsCfg.AllowOrigins = []string{origin}
	} else {
		corsCfg.AllowOrigins = []string{cfg.AppBaseURL}
	}
	router.Use(cors.New(corsCfg))

	handler.RegisterRoutes(router, cfg.JWTSecret)

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "parcours-service",
			"version": "1.0.0",
			"status":  "running",
		})
	})
	return router
}
