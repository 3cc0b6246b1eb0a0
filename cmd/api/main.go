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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/notify"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/schedule"
	"classtrack/internal/store"
	"classtrack/internal/sweeper"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:events")
	} else {
		q = queue.NewInMemory(256)
	}

	repo := attendance.NewRepository(db.Client)
	resolver := schedule.NewResolver(schedule.NewRepository(db.Client))
	rosterProvider := roster.NewProvider(db.Client)
	svc := attendance.NewService(repo, resolver, rosterProvider, notify.NewPublisher(q))
	sweep := sweeper.New(sweeper.NewRepository(db.Client), cfg.SweepInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewHub()
	dispatcher := notify.NewDispatcher(q, hub, svc)
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			log.Printf("dispatcher stopped: %v", err)
		}
	}()

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !dbHealthy || (cfg.QueueBackend == "redis" && !redisHealthy) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := repo.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.DeviceID, auth.RoleDevice, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = repo.SaveRefreshToken(c.Request.Context(), req.DeviceID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.GET("/v1/ws", notify.Handler(hub, rosterProvider, cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup := r.Group("/v1", auth.BearerAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	deviceGroup := authGroup.Group("", auth.RequireRole(auth.RoleDevice))

	deviceGroup.POST("/attendance/batch", func(c *gin.Context) {
		var req struct {
			DeviceID      string                 `json:"device_id" binding:"required"`
			Detections    []attendance.Detection `json:"detections"`
			ReferenceTime *time.Time             `json:"reference_time"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)
		if claims.Subject != "" && claims.Subject != req.DeviceID {
			c.JSON(http.StatusForbidden, gin.H{"error": "device mismatch"})
			return
		}

		known, err := repo.DeviceExists(c.Request.Context(), req.DeviceID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !known {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}

		result, err := svc.IngestBatch(c.Request.Context(), req.DeviceID, req.Detections, req.ReferenceTime)
		if err != nil {
			c.JSON(ingestErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	deviceGroup.POST("/attendance/report", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			ClassID   string `json:"class_id" binding:"required"`
			Status    string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := svc.LegacyReport(c.Request.Context(), req.StudentID, req.ClassID, attendance.Status(req.Status))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, attendance.ErrValidation) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if result.Action == "created" {
			status = http.StatusCreated
		}
		c.JSON(status, result)
	})

	userGroup := authGroup.Group("", auth.RequireRole(auth.RoleStudent, auth.RoleProfessor, auth.RoleAdministrator))

	userGroup.GET("/classes/:classID/pings", func(c *gin.Context) {
		var date time.Time
		if v := c.Query("date"); v != "" {
			parsed, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
			date = parsed
		}
		grouped, err := svc.GetActivePings(c.Request.Context(), c.Param("classID"), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"class_id": c.Param("classID"), "active_pings": grouped})
	})

	userGroup.GET("/pings/stats", func(c *gin.Context) {
		stats, err := sweep.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	authGroup.POST("/pings/cleanup", auth.RequireRole(auth.RoleAdministrator), func(c *gin.Context) {
		deleted, err := sweep.Sweep(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted_count": deleted})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// ingestErrorStatus maps batch-aborting failures onto response codes.
// Per-student failures never reach here; they ride inside the result.
func ingestErrorStatus(err error) int {
	switch {
	case errors.Is(err, schedule.ErrNoScheduleFound),
		errors.Is(err, schedule.ErrOutsideWindow),
		errors.Is(err, schedule.ErrAmbiguousSchedule):
		return http.StatusUnprocessableEntity
	case errors.Is(err, roster.ErrEmptyRoster):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
