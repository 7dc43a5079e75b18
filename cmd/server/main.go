package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-engine/config"
	"checkout-engine/internal/api"
	"checkout-engine/internal/broker"
	"checkout-engine/internal/gateway"
	"checkout-engine/internal/redisclient"
	"checkout-engine/internal/service"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"
	"checkout-engine/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout engine")

	tp, err := util.InitTracer("checkout-engine", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	gw := gateway.NewSimulator(cfg.Gateway.SuccessRate)

	pricing := service.NewPricingService(
		service.FlatRateTax{Bps: cfg.Checkout.TaxRateBps},
		service.FlatShipping{Amount: cfg.Checkout.ShippingFlatCents},
		service.NoCoupons{},
	)
	cartService := service.NewCartService(db, pricing,
		time.Duration(cfg.Checkout.CartTTLSeconds)*time.Second)
	sessionManager := service.NewSessionManager(db, db, db, pricing,
		time.Duration(cfg.Checkout.SessionTTLSeconds)*time.Second)
	inventoryService := service.NewInventoryService(db, redisClient)
	paymentService := service.NewPaymentService(db, gw)
	registry := service.NewRegistry(db, redisClient)
	orchestrator := service.NewOrchestrator(
		db, db, sessionManager, pricing, inventoryService, paymentService,
		registry, eventPublisher,
		time.Duration(cfg.Checkout.ReservationTTLSeconds)*time.Second,
	)

	ctx := context.Background()
	if err := inventoryService.SyncMirror(ctx); err != nil {
		log.Printf("Failed to sync stock mirror to Redis: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout, cfg.Kafka.ConsumerGroup)
	defer paymentConsumer.Close()
	paymentWorker := worker.NewPaymentEventWorker(paymentConsumer, orchestrator)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Payment event worker error: %v", err)
		}
	}()

	sweeper := worker.NewSweeper(inventoryService, sessionManager,
		time.Duration(cfg.Checkout.SweepIntervalSeconds)*time.Second)
	go sweeper.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, orchestrator, paymentService, db, eventPublisher, cfg.Gateway.WebhookSecret)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()

	log.Println("Server exited")
}
