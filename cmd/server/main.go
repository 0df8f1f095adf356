package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/kantinpay/backend/docs"
	"github.com/kantinpay/backend/internal/database"
	"github.com/kantinpay/backend/internal/handlers"
	"github.com/kantinpay/backend/internal/ledger"
	mW "github.com/kantinpay/backend/internal/middleware"
	"github.com/kantinpay/backend/internal/models"
	"github.com/kantinpay/backend/internal/services"
)

// @title KantinPay API
// @version 1.0
// @description API for school canteen cashless payments
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.SetDefault("jwt.expiry_hours", 12)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "KantinPay API"
	docs.SwaggerInfo.Description = "API for school canteen cashless payments"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	engine := ledger.NewEngine(db)

	authService := services.NewAuthService(db, redisClient)
	accountService := services.NewAccountService(db)
	productService := services.NewProductService(db)
	transactionService := services.NewTransactionService(db, engine)
	reportService := services.NewReportService(db, redisClient)
	qrService := services.NewQRService(db, redisClient)
	qrHandler := handlers.NewQRHandler(qrService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetAccount)

			// Any authenticated account
			r.Get("/transactions", transactionService.ListTransactions)
			r.Get("/transactions/{id}", transactionService.GetTransaction)
			r.Get("/products", productService.ListProducts)
			r.Get("/products/{id}", productService.GetProduct)
			r.Get("/categories", productService.ListCategories)
			r.Post("/qr/generate", qrHandler.GenerateQR)

			// Till operations: cashier or admin
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(models.RoleCashier, models.RoleAdmin))

				r.Post("/transactions/purchase", transactionService.CreatePurchase)
				r.Post("/transactions/topup", transactionService.CreateTopup)
				r.Post("/transactions/refund", transactionService.CreateRefund)
				r.Post("/transactions/transfer", transactionService.CreateTransfer)
				r.Get("/accounts/balance/{code}", accountService.BalanceEnquiry)
				r.Post("/qr/scan", qrHandler.ScanQR)
			})

			// Back office: admin only
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(models.RoleAdmin))

				r.Post("/transactions/penalty", transactionService.CreatePenalty)

				r.Get("/accounts", accountService.ListAccounts)
				r.Get("/accounts/{id}", accountService.GetAccount)
				r.Post("/accounts/students", accountService.EnrollStudent)
				r.Post("/accounts/staff", accountService.CreateStaff)
				r.Put("/accounts/{id}", accountService.UpdateAccount)
				r.Post("/accounts/{id}/deactivate", accountService.Deactivate)
				r.Post("/accounts/{id}/reinstate", accountService.Reinstate)

				r.Post("/products", productService.CreateProduct)
				r.Put("/products/{id}", productService.UpdateProduct)
				r.Delete("/products/{id}", productService.DeleteProduct)
				r.Post("/products/{id}/stock", productService.AdjustStock)
				r.Post("/categories", productService.CreateCategory)
				r.Delete("/categories/{id}", productService.DeleteCategory)

				r.Get("/reports/summary", reportService.Summary)
				r.Get("/reports/daily", reportService.DailyTotals)
				r.Get("/reports/top-products", reportService.TopProducts)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
