// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command bundlesync keeps a local directory in sync with a manifest of
// chunked, compressed bundles served over HTTP or from a blob bucket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/syncthing/bundlesync/internal/slogutil"
	_ "github.com/syncthing/bundlesync/lib/automaxprocs"
	"github.com/syncthing/bundlesync/lib/bundle"
	"github.com/syncthing/bundlesync/lib/config"
	"github.com/syncthing/bundlesync/lib/manifest"
	"github.com/syncthing/bundlesync/lib/model"
	"github.com/syncthing/bundlesync/lib/svcutil"
)

type CLI struct {
	Config  kong.ConfigFlag `short:"c" placeholder:"FILE" help:"YAML file supplying defaults for any flag"`
	Verbose bool            `short:"v" help:"Print debug output"`
	Quiet   bool            `short:"q" help:"Don't print progress"`

	LogFile   string `placeholder:"PATH" env:"BUNDLESYNC_LOG_FILE" help:"Append log output to this file instead of stderr"`
	LogFormat string `enum:"default,plain,syslog" default:"default" env:"BUNDLESYNC_LOG_FORMAT" help:"Log line format: default, plain (no timestamps) or syslog"`

	Sync    syncCmd    `cmd:"" help:"Bring the output directory up to date with a manifest"`
	Verify  verifyCmd  `cmd:"" help:"Check the output directory against a manifest without changing it"`
	Inspect inspectCmd `cmd:"" help:"Print the contents of a manifest"`
	Watch   watchCmd   `cmd:"" help:"Sync periodically, optionally serving metrics"`
	Pack    packCmd    `cmd:"" help:"Chunk a directory into bundles and a manifest"`
	Debug   debugCmd   `cmd:"" help:"List the packages that can be traced with STTRACE"`
}

// SourceOptions are shared by the commands that compare a manifest with an
// output directory.
type SourceOptions struct {
	Manifest string `required:"" short:"m" placeholder:"SRC" env:"BUNDLESYNC_MANIFEST" help:"Manifest path or URL (http, https or blob bucket URL)"`

	config.Options `embed:""`
}

var errOutOfDate = errors.New("output directory is not up to date")

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("bundlesync"),
		kong.Description("Incremental chunk synchronization from bundle manifests."),
		kong.Configuration(config.YAMLLoader),
		kong.UsageOnError(),
	)
	closeLog, err := setupLogging(&cli)
	kctx.FatalIfErrorf(err)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(progressFunc(cli.Quiet))

	err = kctx.Run()
	status := exitStatus(err)
	if err != nil && status != svcutil.ExitIncomplete {
		slog.Error("Exiting", slog.String("status", status.String()), slogutil.Error(err))
	}
	cancel()
	closeLog()
	os.Exit(status.AsInt())
}

// setupLogging applies the global logging flags. The returned function
// restores logging to stderr and closes the log file, if any.
func setupLogging(cli *CLI) (func(), error) {
	if cli.Verbose {
		slogutil.SetDefaultLevel(slog.LevelDebug)
	}
	slogutil.SetLineFormat(lineFormat(cli.LogFormat))
	if cli.LogFile == "" {
		return func() {}, nil
	}
	fd, err := os.OpenFile(cli.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	slogutil.SetOutput(fd)
	return func() {
		slogutil.SetOutput(os.Stderr)
		fd.Close()
	}, nil
}

func lineFormat(name string) slogutil.LineFormat {
	switch name {
	case "plain":
		return slogutil.LineFormat{LevelString: true}
	case "syslog":
		// The journal adds its own timestamps.
		return slogutil.LineFormat{LevelSyslog: true}
	default:
		return slogutil.DefaultLineFormat
	}
}

func exitStatus(err error) svcutil.ExitStatus {
	var ferr *svcutil.FatalErr
	switch {
	case err == nil:
		return svcutil.ExitSuccess
	case errors.As(err, &ferr):
		return ferr.Status
	case errors.Is(err, context.Canceled):
		return svcutil.ExitCancelled
	default:
		return svcutil.ExitError
	}
}

type progressReporter func(model.Progress)

func progressFunc(quiet bool) progressReporter {
	if quiet {
		return nil
	}
	return func(p model.Progress) {
		slog.Info(p.Phase, slog.Int("completed", p.Completed), slog.Int("total", p.Total), slog.String("item", p.Item))
	}
}

type syncCmd struct {
	SourceOptions `embed:""`
}

func (c *syncCmd) Run(ctx context.Context, progress progressReporter) error {
	res, err := runSync(ctx, c.SourceOptions, progress)
	switch status := svcutil.SyncStatus(res, err); status {
	case svcutil.ExitSuccess:
		return nil
	case svcutil.ExitIncomplete:
		return svcutil.AsFatalErr(fmt.Errorf("%d files incomplete, %d bundles failed", res.FilesIncomplete, len(res.FailedBundles)), status)
	default:
		return svcutil.AsFatalErr(err, status)
	}
}

// runSync loads the manifest, opens the bundle transport and syncs.
func runSync(ctx context.Context, src SourceOptions, progress progressReporter) (model.Result, error) {
	if src.BundleURL == "" {
		return model.Result{}, errors.New("no bundle URL given")
	}
	m, err := loadManifest(ctx, src)
	if err != nil {
		return model.Result{}, err
	}
	t, err := bundle.NewTransport(ctx, src.BundleURL, src.Options)
	if err != nil {
		return model.Result{}, err
	}
	defer bundle.Close(t)
	return model.Sync(ctx, m, t, src.Options, progress)
}

func loadManifest(ctx context.Context, src SourceOptions) (*manifest.Manifest, error) {
	m, err := bundle.LoadManifest(ctx, src.Manifest, src.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if err := m.Verify(); err != nil {
		// Typically files shortened by dropped chunk references; the
		// rest of the manifest is still usable.
		slog.Warn("Manifest is inconsistent", slog.String("manifest", src.Manifest), slogutil.Error(err))
	}
	return m, nil
}
