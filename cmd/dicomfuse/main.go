// dicomfuse mounts a Cloud Healthcare API DICOM dataset as a filesystem.
//
// Stores, studies and series appear as directories; instances appear as
// <SOPInstanceUID>.dcm files. Copying a .dcm file into a store or series
// uploads it, and rm deletes the instance remotely.
//
// Usage:
//
//	dicomfuse -a https://healthcare.googleapis.com/v1/projects/P/locations/L/datasets/D -p /mnt/dicom
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/config"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/dicomfs"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/dicompath"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/hierarchy"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/listing"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/metrics"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/staging"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/dicomweb"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		// Can't use structured logging yet
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if cfg.PrintConfig {
		if err := cfg.Dump(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := logging.Init(cfg.Logging()); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error("dicomfuse stopped with an error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr, err := dicomweb.ParseDatasetAddr(cfg.DatasetAddr)
	if err != nil {
		return err
	}
	creds, err := dicomweb.FindCredentials(ctx, cfg.KeyFile)
	if err != nil {
		return err
	}

	logging.Info("dicomfuse starting",
		zap.String("dataset", addr.ResourceName()),
		zap.String("mount_path", cfg.MountPath),
		zap.String("credentials", creds.Source),
		zap.Stringer("cache_time", cfg.CacheTime),
		zap.Int64("cache_size_mb", cfg.CacheSize),
		zap.Bool("deletion", cfg.EnableDeletion))

	client := dicomweb.New(dicomweb.Config{
		Dataset:           addr,
		Credentials:       creds,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logging.L().Named("dicomweb"),
		OnRequest:         metrics.RecordRemoteRequest,
		RequestID:         logging.OperationID,
	})

	if err := client.CheckAccess(ctx); err != nil {
		if dicomweb.IsForbidden(err) {
			logging.Error("access to the dataset was denied",
				zap.String("credentials", creds.Source),
				zap.String("guidance", dicomweb.AccessGuidance))
		}
		return fmt.Errorf("check dataset access: %w", err)
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	cache := hierarchy.New(cfg.CacheTime.Objects, client)
	registry := dicompath.NewRegistry()
	fetcher := listing.New(client)

	engine, err := staging.New(cfg.Staging(), cache, registry, client)
	if err != nil {
		return err
	}
	engine.Start(ctx)
	defer func() {
		if err := engine.Close(); err != nil {
			logging.Error("staging cleanup failed", zap.Error(err))
		}
	}()

	fs := dicomfs.New(dicompath.NewParser(registry), cache, fetcher, engine, client, dicomfs.Options{
		EnableDeletion: cfg.EnableDeletion,
		StagingDir:     cfg.StagingDir,
	})
	opts := dicomfs.MountOptions(runtime.GOOS, cfg.MountPath, os.Getuid(), os.Getgid())

	err = dicomfs.Mount(ctx, fs, cfg.MountPath, opts)
	if ctx.Err() != nil {
		logging.Info("stopped")
		return nil
	}
	return err
}
