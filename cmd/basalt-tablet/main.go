// Copyright 2024 BasaltDB, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/basaltdb/basalt/pkg/config"
	"github.com/basaltdb/basalt/pkg/metrics"
	"github.com/basaltdb/basalt/pkg/util/logutil"
	"github.com/basaltdb/basalt/pkg/util/memory"
)

var (
	configPath = flag.String("config", "", "config file path")
	host       = flag.String("host", "", "tablet server host")
	port       = flag.Int("P", 0, "tablet server port")
	logLevel   = flag.String("L", "", "log level: debug, info, warn, error, fatal")
)

func loadConfig() *config.Config {
	cfg := config.GetGlobalConfig()
	if *configPath != "" {
		if err := cfg.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "failed to load config file:", err)
			os.Exit(1)
		}
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Valid(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}
	return cfg
}

func statusHandler(memTracker *memory.Tracker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Dump of the server's memory budget tree, one node per tablet
	// subsystem attached below the root.
	mux.HandleFunc("/debug/memory", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, memTracker.String())
	})
	return mux
}

func setupStatusServer(cfg *config.Config, memTracker *memory.Tracker) *http.Server {
	if !cfg.Status.ReportStatus {
		return nil
	}
	metrics.RegisterMetrics()
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Status.StatusPort),
		Handler: statusHandler(memTracker),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logutil.BgLogger().Error("status server exited", zap.Error(err))
		}
	}()
	return srv
}

func main() {
	flag.Parse()
	cfg := loadConfig()

	if err := logutil.InitLogger(cfg.Log.ToLogConfig()); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}

	// Root of the server's memory budget tree. Each opened tablet attaches
	// its own tracker below this one, and each tablet's operation tracker
	// attaches below that.
	serverMemTracker := memory.NewTracker("server", cfg.Tablet.MemoryLimitMB*1024*1024)
	logutil.BgLogger().Info("tablet server starting",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("tablet-memory-limit", memory.FormatBytes(serverMemTracker.GetBytesLimit())),
		zap.Int64("operation-memory-limit-bytes", cfg.OperationMemoryLimitBytes()))

	statusSrv := setupStatusServer(cfg, serverMemTracker)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logutil.BgLogger().Info("shutting down", zap.String("signal", s.String()))
	if statusSrv != nil {
		_ = statusSrv.Close()
	}
}
