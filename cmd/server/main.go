package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/geraldsadya/circles-backend-go/internal/api"
	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/database"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/metrics"
	"github.com/geraldsadya/circles-backend-go/internal/service"
	"github.com/geraldsadya/circles-backend-go/pkg/logger"
)

func main() {
	// 加载配置
	cfg := config.Load()
	log := logger.New("circles", cfg.LogLevel)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 初始化数据库
	db, err := database.OpenMigrated(database.Config{Path: cfg.DBPath}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(log)
	var sink *events.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		sink = events.NewKafkaSink(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), 0, log)
		bus.Subscribe(sink.Handle)
		go sink.Run(ctx)
		log.WithField("topic", cfg.KafkaTopic).Info("relaying events to kafka")
	}

	// 恢复核心状态
	core := service.New(db, cfg, bus, log, m)
	if err := core.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to restore core")
	}
	done := make(chan struct{})
	go func() {
		core.Run(ctx)
		close(done)
	}()

	// 启动服务器
	srv := &http.Server{
		Addr:              cfg.Port,
		Handler:           api.SetupRouter(cfg, core, log, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
	<-done
	if sink != nil {
		if err := sink.Close(); err != nil {
			log.WithError(err).Error("kafka writer close")
		}
	}
}
