// roomserverd wires the roomserver core together into a runnable
// process: config, store, state resolver, DAG index, pipeline, and the
// client/federation HTTP surfaces.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	clientrouting "github.com/Havelet/construct/clientapi/routing"
	federationrouting "github.com/Havelet/construct/federationapi/routing"
	"github.com/Havelet/construct/internal/caching"
	"github.com/Havelet/construct/internal/httputil"
	"github.com/Havelet/construct/internal/sqlutil"
	"github.com/Havelet/construct/internal/task"
	"github.com/Havelet/construct/roomserver/dag"
	"github.com/Havelet/construct/roomserver/input"
	"github.com/Havelet/construct/roomserver/perform"
	"github.com/Havelet/construct/roomserver/query"
	"github.com/Havelet/construct/roomserver/state"
	"github.com/Havelet/construct/roomserver/storage"
	"github.com/Havelet/construct/roomserver/storage/postgres"
	"github.com/Havelet/construct/roomserver/storage/sqlite3"
	"github.com/Havelet/construct/setup/config"
)

func main() {
	configPath := flag.String("config", "construct.yaml", "path to the config file")
	listenAddr := flag.String("listen", ":8008", "HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	db, err := openDatabase(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open roomserver database")
	}
	defer db.Close()

	caches, err := caching.NewRistrettoCache()
	if err != nil {
		logrus.WithError(err).Fatal("failed to build caches")
	}

	resolver := state.NewStateResolution(db, caches)
	index := dag.New(db)
	inputer := input.New(db, index, resolver, &cfg.RoomServer)
	queryer := query.New(db, resolver)
	performer := perform.New(db, inputer, nil)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	federationrouting.Setup(router, queryer, &cfg.RoomServer)
	clientrouting.Setup(router, cfg, queryer, inputer, performer, db)

	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: httputil.RequestIDMiddleware(router),
	}

	serverTask := task.Spawn(context.Background(), "http", func(ctx context.Context, self *task.Task) {
		logrus.WithField("addr", *listenAddr).Info("roomserverd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("http server failed")
		}
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logrus.Info("roomserverd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown failed")
	}
	serverTask.Interrupt()
}

// openDatabase picks the storage backend by connection string: sqlite
// for file: and :memory: DSNs, postgres otherwise.
func openDatabase(cfg *config.Construct) (storage.Database, error) {
	conn := cfg.RoomServer.Database.ConnectionString
	opts := cfg.RoomServer.Database
	if conn == "" {
		conn = cfg.Global.DatabaseOptions.ConnectionString
		opts = cfg.Global.DatabaseOptions
	}
	if strings.HasPrefix(conn, "file:") || strings.Contains(conn, ":memory:") {
		sqlDB, err := sqlutil.Open("sqlite3", strings.TrimPrefix(conn, "file:"), opts)
		if err != nil {
			return nil, err
		}
		return sqlite3.NewDatabase(sqlDB)
	}
	sqlDB, err := sqlutil.Open("postgres", conn, opts)
	if err != nil {
		return nil, err
	}
	return postgres.NewDatabase(sqlDB)
}
