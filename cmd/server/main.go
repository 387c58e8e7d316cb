package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/log"
	"github.com/gatehouse/gatehouse/pkg/instrument"
	"github.com/gatehouse/gatehouse/pkg/limiter"
	"github.com/gatehouse/gatehouse/pkg/middleware"
	"github.com/gatehouse/gatehouse/pkg/storage"
)

func HelloHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Hello, World!"))
}

func main() {
	var (
		addr      = flag.String("addr", "localhost:8080", "listen address")
		redisAddr = flag.String("redis", "", "redis address; empty selects the in-process store")
	)
	flag.Parse()

	logger := log.Logger()

	var store storage.Storage
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		rs, err := storage.NewRedisStore(client)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		store = rs
	} else {
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	cfg := middleware.NewConfig(store,
		middleware.WithInstrumenter(instrument.NewZapSink(logger)))

	// Local tooling gets through unconditionally.
	if err := cfg.SafelistIP("allow-localhost", "127.0.0.1", "::1"); err != nil {
		logger.Fatal("Failed to configure safelist", zap.Error(err))
	}

	// 60 requests per minute per client IP.
	if err := cfg.Throttle("req/ip", 60, time.Minute, limiter.FixedWindow,
		middleware.IPExtractor(true)); err != nil {
		logger.Fatal("Failed to configure throttle", zap.Error(err))
	}

	// Ban clients probing for admin pages: 3 strikes in 10 minutes, out
	// for an hour. The catch-all handler below reports the strikes.
	if err := cfg.Fail2Ban("admin-probe", 3, 10*time.Minute, time.Hour,
		middleware.IPExtractor(true)); err != nil {
		logger.Fatal("Failed to configure fail2ban", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/hello", HelloHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		cfg.CountFailure("admin-probe", r, true)
		http.NotFound(w, r)
	})

	wrappedMux := middleware.New(mux, cfg)

	logger.Info("Run a server", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, wrappedMux); err != nil {
		logger.Fatal("Failed to serve handler", zap.Error(err))
	}
}
