package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-cart-reservations.git/internal/cart"
	"github.com/ariefcatur/go-cart-reservations.git/internal/config"
	"github.com/ariefcatur/go-cart-reservations.git/internal/jobs"
	kafkax "github.com/ariefcatur/go-cart-reservations.git/internal/kafka"
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

	// Kafka producer for outbound notifications
	// The producer outlives ctx so queued notifications flush on shutdown;
	// Close/WaitClosed below drain it explicitly.
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic, 1024)
	prod.Start(context.Background())

	sched := scheduler.New(
		queue.New("cart", queue.NewRedisStore(rdb, "cart")),
		queue.New("order", queue.NewRedisStore(rdb, "order")),
		queue.New("email", queue.NewRedisStore(rdb, "email")),
	)

	kafkaNotifier := &notify.KafkaNotifier{Producer: prod, Service: cfg.ServiceName + "-worker"}
	queueNotifier := &notify.QueueNotifier{Sched: sched}

	cartSvc := &cart.Service{DB: db, Sched: sched, Notify: queueNotifier, TTL: cfg.CartTTL}
	orderSvc := &order.Service{DB: db, Sched: sched, Notify: queueNotifier, TTL: cfg.OrderTTL}

	// Static registry: one handler per job type, built here and nowhere
	// else, then verified against the full job-type list.
	mustRegister(sched, jobs.CartExpire, cartSvc.HandleExpire)
	mustRegister(sched, jobs.OrderExpire, orderSvc.HandleExpire)
	mustRegister(sched, jobs.EmailSend, notify.HandleEmailSend(kafkaNotifier))
	if err := sched.CheckRegistry(jobs.All()); err != nil {
		log.Fatalf("handler registry: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range sched.Workers(cfg.QueuePoll, cfg.WorkerCount, queue.DefaultBackoff()) {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	log.Printf("workers started: poll=%s concurrency=%d", cfg.QueuePoll, cfg.WorkerCount)

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down workers...")
	cancel()
	if err := g.Wait(); err != nil {
		log.Printf("worker exit: %v", err)
	}
	prod.Close()
	prod.WaitClosed()
}

func mustRegister(s *scheduler.Scheduler, jobType string, h queue.Handler) {
	if err := s.Register(jobType, h); err != nil {
		log.Fatalf("register %s: %v", jobType, err)
	}
}
