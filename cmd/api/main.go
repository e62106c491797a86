package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"santaserver.org/internal/audit"
	"santaserver.org/internal/auth"
	"santaserver.org/internal/httpapi"
	"santaserver.org/internal/obs"
	"santaserver.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("SANTA_AUTH_SECRET")
	if secret == "" {
		log.Fatal("SANTA_AUTH_SECRET is required")
	}

	tokens, err := auth.NewTokenManager(secret, envStr("SANTA_TOKEN_ISSUER", "santaserver"))
	if err != nil {
		log.Fatalf("token manager: %v", err)
	}

	// Without a DSN the server runs on the in-memory store, which is enough
	// for local development but loses everything on restart.
	var (
		store   auth.Store
		pgStore *pg.Store
	)
	if dsn := os.Getenv("SANTA_PG_DSN"); dsn != "" {
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
	} else {
		log.Print("SANTA_PG_DSN not set, using in-memory store")
		store = auth.NewInMemoryStore()
	}

	policy := auth.DefaultPasswordPolicy()
	policy.MinLength = envInt("SANTA_PASSWORD_MIN_LENGTH", policy.MinLength)
	policy.RotationPeriod = envDuration("SANTA_PASSWORD_ROTATION", policy.RotationPeriod)

	svc, err := auth.NewService(store, tokens,
		auth.WithPasswordPolicy(policy),
		auth.WithLockout(
			envInt("SANTA_MAX_LOGIN_ATTEMPTS", 5),
			envDuration("SANTA_LOCKOUT_DURATION", 15*time.Minute),
		),
		auth.WithAccessTTL(envDuration("SANTA_ACCESS_TTL", 30*time.Minute)),
		auth.WithRefreshTTL(envDuration("SANTA_REFRESH_TTL", 7*24*time.Hour)),
		auth.WithAbsoluteSessionTTL(envDuration("SANTA_ABSOLUTE_SESSION_TTL", 30*24*time.Hour)),
		auth.WithRefreshRotation(envBool("SANTA_REFRESH_ROTATION", true)),
		auth.WithAuditRecorder(audit.NewRecorder(store)),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	api := httpapi.New(svc, probe, version)

	srv := &http.Server{
		Addr:              envStr("SANTA_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting santaserver-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return b
}
