package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"openshelf.org/internal/audit"
	"openshelf.org/internal/catalog"
	"openshelf.org/internal/fine"
	"openshelf.org/internal/httpapi"
	"openshelf.org/internal/ids"
	"openshelf.org/internal/loan"
	"openshelf.org/internal/membership"
	"openshelf.org/internal/obs"
	"openshelf.org/internal/report"
	"openshelf.org/internal/reservation"
	"openshelf.org/internal/store/memory"
	"openshelf.org/internal/store/pg"
	"openshelf.org/internal/stream"
)

var version = "0.3.1"

type stores interface {
	membership.Store
	catalog.Store
	loan.Store
	reservation.Store
	fine.Store
	audit.Store
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("OPENSHELF_COMMIT"))

	var (
		st      stores
		db      *sql.DB
		reports *report.Service
	)
	if dsn := os.Getenv("OPENSHELF_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		st = pgStore
		db = pgStore.DB()
		reports = report.New(sqlx.NewDb(db, "pgx"))
	} else {
		log.Println("OPENSHELF_PG_DSN not set, using in-memory store")
		st = memory.New()
	}

	recorder := audit.NewRecorder(st)
	fines := fine.NewLedger(st, recorder, "USD", ids.New)
	reservations := reservation.NewEngine(st, st, recorder, holdWindow(), ids.New)
	loans := loan.NewEngine(st, st, st, fines, reservations, recorder, loan.DefaultPolicy(), ids.New)

	events := stream.New()
	probe := httpapi.ReadyProbe{DB: db}

	api := httpapi.New(httpapi.Config{
		Loans:        loans,
		Reservations: reservations,
		Fines:        fines,
		Catalog:      st,
		Users:        st,
		Reports:      reports,
		Stream:       events,
		Recorder:     recorder,
		ReadyProbe:   probe,
		Version:      version,
	})

	addr := os.Getenv("OPENSHELF_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runSweeps(ctx, loans, reservations)

	grpcSrv := startGRPCHealth(probe)

	log.Printf("Starting openshelf-api %s on %s", version, srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func holdWindow() time.Duration {
	if raw := os.Getenv("OPENSHELF_HOLD_WINDOW"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
		log.Printf("invalid OPENSHELF_HOLD_WINDOW %q, using default", raw)
	}
	return 7 * 24 * time.Hour
}

// runSweeps periodically flips active loans past due to overdue and expires
// stale reservation holds.
func runSweeps(ctx context.Context, loans *loan.Engine, reservations *reservation.Engine) {
	interval := time.Hour
	if raw := os.Getenv("OPENSHELF_SWEEP_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			interval = d
		} else {
			log.Printf("invalid OPENSHELF_SWEEP_INTERVAL %q, using default", raw)
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if n, err := loans.SweepOverdue(ctx, now); err != nil {
				log.Printf("sweep overdue: %v", err)
			} else if n > 0 {
				log.Printf("sweep overdue: %d loans", n)
			}
			if n, err := reservations.SweepExpired(ctx, now); err != nil {
				log.Printf("sweep expired: %v", err)
			} else if n > 0 {
				log.Printf("sweep expired: %d reservations", n)
			}
		}
	}
}

func startGRPCHealth(probe httpapi.ReadyProbe) *grpc.Server {
	addr := os.Getenv("OPENSHELF_GRPC_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("grpc health disabled: %v", err)
		return nil
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, httpapi.NewGRPCHealthServer(probe))
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("grpc serve: %v", err)
		}
	}()
	return srv
}
