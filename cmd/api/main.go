package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/ebmlabs/samplesync/pkg/database"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/metrics"
	"github.com/ebmlabs/samplesync/pkg/migrations"
	"github.com/ebmlabs/samplesync/pkg/server"
	"github.com/ebmlabs/samplesync/pkg/syncer"
	"github.com/ebmlabs/samplesync/pkg/version"
	"github.com/ebmlabs/samplesync/pkg/worker"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

func main() {
	ctx := context.Background()
	log := logger.New()

	log.Info("starting samplesync", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID == 0 {
		log.Info("no new migrations to run")
	} else {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	m := metrics.New()
	client := lims.NewClient(cfg)
	client.SetObserver(m)
	s := syncer.New(cfg, db, client, m)

	wrkr := worker.New(cfg, db, s)

	srv, err := server.New(cfg, db, s, m)
	if err != nil {
		log.Err(err).Fatal("server error")
	}

	graceful := signals.Setup()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
		lc := net.ListenConfig{}
		listener, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			log.Err(err).Fatal("failed to bind port")
		}

		// Extract actual port (useful when ServerPort is 0)
		actualPort := listener.Addr().(*net.TCPAddr).Port
		log.Info("server started", logger.Data{"port": actualPort, "lims_base_url": cfg.LIMSBaseURL})

		err = srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Fatal("server stopped")
		}
		log.Info("server stopped")
	}()

	wrkr.Start()
	log.Info("worker started", logger.Data{"processes": cfg.WorkerProcesses, "import_interval_minutes": cfg.ImportIntervalMinutes})

	<-graceful
	log.Info("starting graceful shutdown")

	err = srv.Shutdown(ctx)
	if err != nil {
		log.Err(err).Error("server shutdown error")
	}
	log.Info("server shutdown")

	wrkr.Shutdown()
	log.Info("worker shutdown")

	err = db.Close()
	if err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}
