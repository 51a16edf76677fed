// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package dispatchd is the dispatch daemon: it serves the websocket
// control channel, the file transfer endpoints, and Prometheus
// metrics, and supervises the worker process pool.  Run with -worker
// it becomes one of those pool workers instead.
package main

import (
	"context"
	"flag"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
	"gopkg.in/yaml.v2"

	"github.com/modryn/go-dispatch/core"
	"github.com/modryn/go-dispatch/dispatch"
	"github.com/modryn/go-dispatch/procpool"
	"github.com/modryn/go-dispatch/session"
	"github.com/modryn/go-dispatch/transfer"
)

// Config is the daemon's YAML configuration file.
type Config struct {
	// Bind is the [ip]:port the HTTP server listens on.
	Bind string `yaml:"bind"`
	// JobLogs is the directory job log files are written to.
	JobLogs string `yaml:"job_logs"`
	// Workers is the process pool size; zero disables the pool.
	Workers int `yaml:"workers"`
	// Users maps usernames to passwords for the auth service.
	Users map[string]string `yaml:"users"`
}

func main() {
	bind := flag.String("bind", ":6000", "[ip]:port for the HTTP interface")
	configFile := flag.String("config", "", "configuration YAML file")
	jobLogs := flag.String("job-logs", "/var/log/dispatch/jobs", "directory for job log files")
	workers := flag.Int("workers", procpool.DefaultSize, "process pool size, 0 to disable")
	logRequests := flag.Bool("log-requests", false, "log all HTTP requests")
	debug := flag.Bool("debug", false, "enable debug logging")
	workerMode := flag.Bool("worker", false, "run as a process pool worker")
	flag.Parse()

	logger := logrus.StandardLogger()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	if *workerMode {
		// Workers log on stderr; stdout is the IPC channel.
		logger.SetOutput(os.Stderr)
		if err := runWorker(logger); err != nil {
			logger.WithError(err).Fatal("Worker loop failed")
		}
		return
	}

	config := Config{Bind: *bind, JobLogs: *jobLogs, Workers: *workers}
	if *configFile != "" {
		if err := loadConfigYaml(*configFile, &config); err != nil {
			logger.WithFields(logrus.Fields{
				"err": err,
			}).Fatal("Could not load YAML configuration")
			return
		}
	}

	var pool *procpool.Pool
	if config.Workers > 0 {
		var err error
		pool, err = procpool.NewPool(logger, &procpool.ExecSpawner{Args: []string{"-worker"}}, config.Workers)
		if err != nil {
			logger.WithError(err).Fatal("Could not start the worker process pool")
			return
		}
	}

	clk := clock.New()
	m := dispatch.New(dispatch.Options{
		Logger:     logger,
		Clock:      clk,
		JobLogsDir: config.JobLogs,
		Pool:       pool,
	})
	downloads := transfer.NewRegistry(logger, clk)
	auth := core.NewAuthService(logger, clk, config.Users)

	for _, svc := range []dispatch.Service{
		core.NewService(m, logger, downloads),
		auth,
	} {
		if err := m.RegisterService(svc); err != nil {
			logger.WithError(err).Fatal("Could not register built-in service")
			return
		}
	}

	router := mux.NewRouter()
	router.Handle("/websocket", session.Handler(m, logger))
	transfer.NewHandler(m, logger, auth, downloads).Routes(router)
	router.Handle("/metrics", promhttp.Handler())

	n := negroni.New(negroni.NewRecovery())
	if *logRequests {
		n.Use(requestLogger(logger))
	}
	n.UseHandler(router)

	go observe(m, downloads)

	server := &http.Server{Addr: config.Bind, Handler: n}
	go func() {
		logger.Infof("Listening on %s", config.Bind)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Infof("Received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	m.Terminate(ctx)
}

func loadConfigYaml(filename string, config *Config) error {
	bytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(bytes, config)
}

// requestLogger logs every HTTP request at debug level.
func requestLogger(logger *logrus.Logger) negroni.Handler {
	return negroni.HandlerFunc(func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		start := time.Now()
		next(w, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Request served")
	})
}
