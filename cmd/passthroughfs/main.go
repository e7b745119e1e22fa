// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Binary passthroughfs mounts a FUSE filesystem at a mountpoint that
// reflects every operation onto an underlying host directory tree.
// See SPEC_FULL.md at the module root for the full design.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/pflag"

	"github.com/passthroughfs/passthroughfs/lib/passthrough"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		source         string
		writeback      bool
		noWriteback    bool
		flock          bool
		noFlock        bool
		xattr          bool
		noXattr        bool
		timeout        string
		cache          string
		shared         bool
		noShared       bool
		norace         bool
		readdirplus    bool
		noReaddirplus  bool
		debug          bool
		foreground     bool
		singlethread   bool
		allowOther     bool
		cloneFD        bool
	)

	pflag.StringVar(&source, "source", "/", "host directory tree to reflect")
	pflag.BoolVar(&writeback, "writeback", false, "enable writeback caching semantics (promotes O_APPEND handling)")
	pflag.BoolVar(&noWriteback, "no-writeback", false, "disable writeback caching semantics (overrides --writeback)")
	pflag.BoolVar(&flock, "flock", false, "enable flock(2) passthrough")
	pflag.BoolVar(&noFlock, "no-flock", false, "disable flock(2) passthrough (overrides --flock)")
	pflag.BoolVar(&xattr, "xattr", false, "enable extended attribute passthrough")
	pflag.BoolVar(&noXattr, "no-xattr", false, "disable extended attribute passthrough (overrides --xattr)")
	pflag.StringVar(&timeout, "timeout", "", "attribute/entry cache timeout in seconds (e.g. 1.5); overrides --cache's default")
	pflag.StringVar(&cache, "cache", "auto", "cache mode: auto, none, or always")
	pflag.BoolVar(&shared, "shared", false, "enable cross-instance cache invalidation via the shared-version registry")
	pflag.BoolVar(&noShared, "no-shared", false, "disable the shared-version registry (overrides --shared)")
	pflag.BoolVar(&norace, "norace", false, "disable race-prone path-reconstruction fallbacks for symlink operations")
	pflag.BoolVar(&readdirplus, "readdirplus", false, "force READDIRPLUS on regardless of cache mode")
	pflag.BoolVar(&noReaddirplus, "no-readdirplus", false, "force READDIRPLUS off regardless of cache mode")
	pflag.BoolVar(&debug, "debug", false, "log every FUSE request/reply")
	pflag.BoolVar(&foreground, "foreground", false, "accepted for compatibility; the process never daemonizes and always runs in the foreground")
	pflag.BoolVar(&singlethread, "singlethread", false, "serve requests on a single goroutine")
	pflag.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	pflag.BoolVar(&cloneFD, "clone_fd", false, "accepted for compatibility with the reference passthrough tool; has no effect under go-fuse")
	pflag.Parse()

	if source == "" {
		return fmt.Errorf("--source is required")
	}
	if pflag.NArg() != 1 {
		return fmt.Errorf("usage: passthroughfs [flags] <mountpoint>")
	}
	mountpoint := pflag.Arg(0)

	cacheMode, err := passthrough.ParseCacheMode(cache)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	if cloneFD {
		logger.Debug("--clone_fd accepted for compatibility; go-fuse has no equivalent knob")
	}

	opts := passthrough.Options{
		Source:        source,
		Writeback:     writeback && !noWriteback,
		Flock:         flock && !noFlock,
		XAttr:         xattr && !noXattr,
		Cache:         cacheMode,
		Shared:        shared && !noShared,
		NoRace:        norace,
		ReadDirPlus:   readdirplus,
		NoReadDirPlus: noReaddirplus,
		Logger:        logger,
	}
	if timeout != "" {
		secs, err := strconv.ParseFloat(timeout, 64)
		if err != nil || secs < 0 {
			return fmt.Errorf("--timeout: want a number of seconds >= 0, got %q", timeout)
		}
		opts.Timeout = time.Duration(secs * float64(time.Second))
		opts.TimeoutSet = true
	}

	fs, err := passthrough.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := fs.Close(); err != nil {
			logger.Error("closing filesystem", "error", err)
		}
	}()

	mountOpts := opts.MountOptions(source, debug, allowOther, singlethread)
	server, err := fuse.NewServer(fs, mountpoint, mountOpts)
	if err != nil {
		return fmt.Errorf("mounting %s: %w", mountpoint, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return fmt.Errorf("waiting for mount: %w", err)
	}
	logger.Info("mounted", "source", source, "mountpoint", mountpoint)

	<-ctx.Done()
	logger.Info("unmounting", "mountpoint", mountpoint)
	if err := server.Unmount(); err != nil {
		logger.Error("unmount failed", "error", err)
	}
	server.Wait()
	return nil
}
