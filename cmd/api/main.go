package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-cart-reservations.git/internal/cart"
	"github.com/ariefcatur/go-cart-reservations.git/internal/config"
	"github.com/ariefcatur/go-cart-reservations.git/internal/httpx"
	"github.com/ariefcatur/go-cart-reservations.git/internal/notify"
	"github.com/ariefcatur/go-cart-reservations.git/internal/order"
	"github.com/ariefcatur/go-cart-reservations.git/internal/postgres"
	"github.com/ariefcatur/go-cart-reservations.git/internal/queue"
	"github.com/ariefcatur/go-cart-reservations.git/internal/redisx"
	"github.com/ariefcatur/go-cart-reservations.git/internal/scheduler"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis (queue backend)
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Scheduler over the three queues. The API only schedules and
	// cancels; handlers run in cmd/worker.
	sched := scheduler.New(
		queue.New("cart", queue.NewRedisStore(rdb, "cart")),
		queue.New("order", queue.NewRedisStore(rdb, "order")),
		queue.New("email", queue.NewRedisStore(rdb, "email")),
	)

	// Notifications ride the email queue; the worker drains them to Kafka.
	notifier := &notify.QueueNotifier{Sched: sched}

	cartSvc := &cart.Service{DB: db, Sched: sched, Notify: notifier, TTL: cfg.CartTTL}
	orderSvc := &order.Service{DB: db, Sched: sched, Notify: notifier, TTL: cfg.OrderTTL}

	router := httpx.NewRouter()
	(&httpx.CartHandler{Svc: cartSvc}).Register(router)
	(&httpx.OrdersHandler{Svc: orderSvc}).Register(router)
	(&httpx.JobsHandler{Sched: sched}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
}
