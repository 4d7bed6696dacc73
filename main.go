package main

import (
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Global variables
var (
	rdb         *redis.Client
	apiKeyStore *APIKeyStore
	rateLimiter *RateLimiter
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, using process environment")
	}

	cfg := LoadConfig()

	// Initialize structured logger
	InitLogger(cfg.LogLevel, cfg.PIIMasking)
	appLogger = GetLogger()

	if err := cfg.Validate(); err != nil {
		appLogger.Fatal("Invalid configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	appLogger.Info("Starting checkout orchestration service", map[string]interface{}{
		"env": cfg.Env,
	})

	// Initialize Redis
	rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: "default",
		Password: cfg.RedisPassword,
		DB:       0,
	})

	// Initialize Database
	var store *TransactionStore
	var recorder ConfirmationRecorder
	db, err := ConnectDatabase()
	if err != nil {
		log.Printf("Warning: Failed to connect to database: %v", err)
		log.Println("Continuing without transaction persistence...")
	} else {
		log.Println("Database connected successfully")
		CreateDatabases()
		defer DisconnectDatabase()
		store = NewTransactionStore(db)
		recorder = store
	}

	localizer := NewCurrencyLocalizer(NewHTTPRateSource(cfg.RatesURL, nil), rdb, appLogger)
	tokens := NewTokenClient(cfg, appLogger)
	orders := NewHTTPOrderClient(cfg, appLogger)
	reconciler := NewReconciliationClient(cfg, NewRedisConfirmationCache(rdb), recorder, appLogger)
	registry := NewSessionRegistry()

	checkoutService = NewCheckoutService(cfg, localizer, tokens, orders, reconciler, store, registry, wsManager, appLogger)

	// Initialize API key store
	apiKeyStore = NewAPIKeyStore()
	if key := getString("FRONTEND_API_KEY", ""); key != "" {
		apiKeyStore.AddKey(&APIKey{
			Key:       key,
			Secret:    getString("FRONTEND_API_SECRET", ""),
			Name:      "Frontend",
			Enabled:   true,
			CreatedAt: time.Now(),
		})
	}

	// Initialize rate limiter
	rateLimiter = NewRateLimiter(rdb)

	mux := http.NewServeMux()
	mux.HandleFunc("/client-token", ClientTokenHandler)
	mux.HandleFunc("/checkout", CheckoutHandler)
	mux.HandleFunc("/checkout/", SessionHandler)
	mux.HandleFunc("/orders", OrdersHandler)
	mux.HandleFunc("/orders/", OrderCaptureHandler)
	mux.HandleFunc("/ws", wsManager.HandleWS)
	mux.HandleFunc("/health", HealthCheckHandler)

	// Admin endpoints
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/admin/attempts", AdminAttemptsHandler)
	mux.Handle("/admin/", AdminAuthMiddleware(cfg.AdminTokenHash)(adminMux))

	// Apply middleware (order matters!)
	handler := CorrelationIDMiddleware(mux)
	handler = RequestValidationMiddleware(handler)
	handler = RateLimitMiddleware(rateLimiter)(handler)
	if apiKeyStore.HasKeys() {
		handler = AuthMiddleware(apiKeyStore)(handler)
	}
	handler = TimeoutMiddleware(30 * time.Second)(handler)

	appLogger.Info("Server starting", map[string]interface{}{
		"port": cfg.Port,
	})

	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
