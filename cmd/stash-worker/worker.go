// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command stash-worker is the registry's background worker: it drains
// the durable job queue (index pushes, download rollups) and enqueues
// the periodic jobs.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/stashrun/stash/pkg/config"
	"github.com/stashrun/stash/pkg/index"
	"github.com/stashrun/stash/pkg/jobs"
	"github.com/stashrun/stash/pkg/registry"
)

var configPath = flag.String("config", "stash.toml", "path to the configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := registry.Open(cfg.Registry.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	store := registry.NewStore(db)

	repo := index.OpenGit(cfg.Index.Path, cfg.Index.Branch, index.EnvCredentials{})
	sync := index.NewSynchronizer(repo)

	queue := jobs.New(db)
	queue.SetWorkers(cfg.Worker.Workers)
	registry.RegisterHandlers(queue, sync, store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Jobs orphaned by a previous crash go back to pending before
	// workers start claiming.
	if n, err := queue.ResetRunning(ctx); err != nil {
		log.Fatalf("reset running jobs: %v", err)
	} else if n > 0 {
		log.Printf("released %d orphaned jobs", n)
	}

	// Periodically enqueue the download rollup.
	go func() {
		interval := time.Duration(cfg.Worker.DownloadsIntervalMinutes) * time.Minute
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := queue.Enqueue(ctx, db, registry.JobUpdateDownloads, nil); err != nil {
					log.Printf("enqueue download rollup: %v", err)
				}
			}
		}
	}()

	log.Printf("stash-worker running: db=%s index=%s workers=%d",
		cfg.Registry.DBPath, cfg.Index.Path, cfg.Worker.Workers)
	if err := queue.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker exited: %v", err)
	}
}
