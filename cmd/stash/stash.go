// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command stash is the registry operator tool. It publishes and yanks
// crates directly against the database and index, and inspects the job
// queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jmoiron/sqlx"

	"github.com/stashrun/stash/pkg/blob"
	"github.com/stashrun/stash/pkg/config"
	"github.com/stashrun/stash/pkg/index"
	"github.com/stashrun/stash/pkg/jobs"
	"github.com/stashrun/stash/pkg/limiter"
	"github.com/stashrun/stash/pkg/registry"
)

var configPath = flag.String("config", "stash.toml", "path to the configuration file")

func usage() {
	fmt.Fprintf(os.Stderr, `usage: stash [-config file] <command> [args]

commands:
  publish -manifest <file> -crate <file> -actor <id>
  yank    -name <crate> -version <num> -actor <id>
  unyank  -name <crate> -version <num> -actor <id>
  run-jobs
  failed-jobs
  add-category -slug <slug> -name <name>
  rollup-downloads
`)
	os.Exit(2)
}

type app struct {
	cfg   *config.Config
	db    *sqlx.DB
	store *registry.Store
	queue *jobs.Queue
	pub   *registry.Publisher
}

func open(cfg *config.Config) (*app, error) {
	db, err := registry.Open(cfg.Registry.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := registry.NewStore(db)
	blobs, err := blob.NewFilesystemStore(cfg.Registry.BlobRoot)
	if err != nil {
		return nil, err
	}
	sync := index.NewSynchronizer(index.OpenGit(cfg.Index.Path, cfg.Index.Branch, index.EnvCredentials{}))
	queue := jobs.New(db)
	registry.RegisterHandlers(queue, sync, store)

	lim := limiter.New(db, time.Duration(cfg.Limiter.RateMinutes)*time.Minute, cfg.Limiter.Burst)
	pub := registry.NewPublisher(store, lim, blobs, queue, sync, registry.PublishConfig{
		MaxUploadSize: cfg.Registry.MaxUploadSize,
		MaxUnpackSize: cfg.Registry.MaxUnpackSize,
		SyncIndex:     cfg.Registry.SyncIndex,
	})
	return &app{cfg: cfg, db: db, store: store, queue: queue, pub: pub}, nil
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	a, err := open(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer a.db.Close()

	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "publish":
		err = a.publish(ctx, args)
	case "yank":
		err = a.yank(ctx, args, true)
	case "unyank":
		err = a.yank(ctx, args, false)
	case "run-jobs":
		err = a.runJobs(ctx)
	case "failed-jobs":
		err = a.failedJobs(ctx)
	case "add-category":
		err = a.addCategory(ctx, args)
	case "rollup-downloads":
		err = a.store.UpdateDownloads(ctx)
	default:
		usage()
	}
	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func (a *app) publish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "path to the manifest JSON")
	cratePath := fs.String("crate", "", "path to the crate archive")
	actor := fs.Int64("actor", 0, "publishing actor id")
	fs.Parse(args)
	if *manifestPath == "" || *cratePath == "" || *actor == 0 {
		return fmt.Errorf("publish requires -manifest, -crate and -actor")
	}

	data, err := os.ReadFile(*manifestPath)
	if err != nil {
		return err
	}
	var m registry.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	raw, err := os.ReadFile(*cratePath)
	if err != nil {
		return err
	}

	pv, err := a.pub.Publish(ctx, *actor, &m, raw)
	if err != nil {
		return err
	}
	color.Green("published %s %s (checksum %s)", pv.Name, pv.Version, pv.Checksum)
	for _, c := range pv.Warnings.InvalidCategories {
		color.Yellow("warning: dropped unknown category %q", c)
	}
	for _, b := range pv.Warnings.InvalidBadges {
		color.Yellow("warning: dropped unknown badge %q", b)
	}
	if !a.cfg.Registry.SyncIndex {
		fmt.Println("index update queued; run the worker or `stash run-jobs`")
	}
	return nil
}

func (a *app) yank(ctx context.Context, args []string, yanked bool) error {
	fs := flag.NewFlagSet("yank", flag.ExitOnError)
	name := fs.String("name", "", "crate name")
	version := fs.String("version", "", "version to yank")
	actor := fs.Int64("actor", 0, "acting actor id")
	fs.Parse(args)
	if *name == "" || *version == "" || *actor == 0 {
		return fmt.Errorf("yank requires -name, -version and -actor")
	}
	if err := a.pub.SetYanked(ctx, *actor, *name, *version, yanked); err != nil {
		return err
	}
	verb := "unyanked"
	if yanked {
		verb = "yanked"
	}
	color.Green("%s %s %s", verb, *name, *version)
	return nil
}

func (a *app) runJobs(ctx context.Context) error {
	n, err := a.queue.RunPending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("performed %d jobs\n", n)
	return nil
}

func (a *app) failedJobs(ctx context.Context) error {
	failed, err := a.queue.Failed(ctx)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		color.Green("no failed jobs")
		return nil
	}
	for _, j := range failed {
		color.Red("%s  %s  attempts=%d", j.ID, j.Kind, j.Attempts)
		fmt.Printf("  last error: %s\n", j.LastError)
		fmt.Printf("  payload: %s\n", j.Payload)
	}
	return nil
}

func (a *app) addCategory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-category", flag.ExitOnError)
	slug := fs.String("slug", "", "category slug")
	name := fs.String("name", "", "display name")
	fs.Parse(args)
	if *slug == "" || *name == "" {
		return fmt.Errorf("add-category requires -slug and -name")
	}
	if err := a.store.AddCategory(ctx, *slug, *name); err != nil {
		return err
	}
	color.Green("added category %s", *slug)
	return nil
}
