// Package scrape wires the CLI flags into a configured archiving run.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/urfave/cli/v2"

	"mindgrab/internal/common"
	"mindgrab/models"
	"mindgrab/pkg/assets"
	"mindgrab/pkg/caching"
	"mindgrab/pkg/client"
	"mindgrab/pkg/db"
	"mindgrab/pkg/fetcher"
	"mindgrab/pkg/processor"
	"mindgrab/pkg/progress"
	"mindgrab/pkg/s3cache"
	"mindgrab/pkg/transcoder"
)

const (
	scraperName    = "mindgrab"
	scraperVersion = "1.0.0"

	fetchTimeout    = 30 * time.Second
	apiCacheTTL     = 24 * time.Hour
	defaultFileName = "{name}_{period}.mgarch"
)

// ScraperID identifies this scraper in the archive metadata and in the HTTP
// user agent.
func ScraperID() string {
	return scraperName + "/" + scraperVersion
}

// ScrapeAction is the single CLI action: validate flags, assemble the
// pipeline and run it. Setup and argument problems exit with code 2, runtime
// failures with code 1.
func ScrapeAction(c *cli.Context) error {
	logLevel := slog.LevelInfo
	if c.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	startTime := time.Now()

	zimCfg, err := buildZimConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	runCfg, err := buildRunConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if _, err := regexp.Compile(runCfg.BadAssetsRegex); err != nil {
		return cli.Exit(fmt.Sprintf("invalid --bad-assets-regex: %v", err), 2)
	}

	if err := common.EnsureWritableDir(runCfg.CacheFolder); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	apiCache, err := caching.NewCache(runCfg.CacheFolder, apiCacheTTL)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	f := fetcher.NewFetcher(ScraperID(), runCfg.ContactInfo, fetchTimeout)
	libraryClient := client.NewClient(runCfg.LibraryURL, f, apiCache, logger)

	var optimizationCache assets.OptimizationCache
	if runCfg.OptimizationCache != "" {
		s3, err := s3cache.New(runCfg.OptimizationCache, logger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("invalid optimization cache URL: %v", err), 2)
		}
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if err := s3.CheckCredentials(ctx); err != nil {
			logger.Error("Optimization cache credentials check failed", "error", err)
			return cli.Exit("optimization cache is not usable", 1)
		}
		optimizationCache = s3
	}

	var report *db.DB
	var runID int64
	if !runCfg.NoReport {
		report, err = db.Open(filepath.Join(runCfg.TmpFolder, db.DefaultDBName))
		if err != nil {
			logger.Warn("Report database unavailable, continuing without", "error", err)
		} else {
			defer report.Close()
			runID, err = report.CreateRun(runCfg.LibraryURL)
			if err != nil {
				logger.Warn("Failed to create run record", "error", err)
			}
		}
	}

	var denylist *regexp.Regexp
	if runCfg.BadAssetsRegex != "" {
		denylist = regexp.MustCompile(runCfg.BadAssetsRegex)
	}
	assetProcessor := assets.NewProcessor(assets.Config{
		Downloader: f,
		Cache:      optimizationCache,
		Transcoder: transcoder.New(),
		Denylist:   denylist,
		Threshold:  runCfg.BadAssetsThreshold,
		Logger:     logger,
		Recorder:   recorderOrNil(report),
		RunID:      runID,
	})

	filter, err := processor.NewContentFilter(
		c.String("page-title-include"),
		c.String("page-title-exclude"),
		c.String("page-id-include"),
		c.String("root-page-id"),
	)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	run := processor.NewProcessor(processor.Config{
		Run:       runCfg,
		Zim:       zimCfg,
		Client:    libraryClient,
		Fetcher:   f,
		Assets:    assetProcessor,
		Filter:    filter,
		Tracker:   progress.NewTracker(),
		Logger:    logger,
		ScraperID: ScraperID(),
	})

	logger.Info("Starting scrape", "library_url", runCfg.LibraryURL, "scraper", ScraperID())
	stats, err := run.Run()
	if err != nil {
		logger.Error("Scrape failed", "error", err, "elapsed", time.Since(startTime).String())
		if errors.Is(err, processor.ErrArchiveExists) {
			return cli.Exit(err.Error(), 2)
		}
		return cli.Exit(err.Error(), 1)
	}

	if report != nil && runID != 0 {
		if err := report.FinishRun(runID, stats.Pages, stats.Assets, stats.BadAssets); err != nil {
			logger.Warn("Failed to finish run record", "error", err)
		}
	}
	logger.Info("Scrape finished",
		"archive", stats.ArchivePath,
		"pages", stats.Pages,
		"assets", stats.Assets,
		"bad_assets", stats.BadAssets,
		"elapsed", time.Since(startTime).String())
	return nil
}

// recorderOrNil avoids handing the asset processor a typed nil interface.
func recorderOrNil(report *db.DB) assets.OutcomeRecorder {
	if report == nil {
		return nil
	}
	return report
}

// buildZimConfig merges the optional YAML config file with the metadata
// flags; flags win. Required metadata is validated after the merge.
func buildZimConfig(c *cli.Context) (models.ZimConfig, error) {
	cfg := models.ZimConfig{}
	if path := c.String("config"); path != "" {
		loaded, err := models.LoadZimConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}

	merge := func(flag string, dst *string) {
		if c.String(flag) != "" {
			*dst = c.String(flag)
		}
	}
	merge("name", &cfg.Name)
	merge("title", &cfg.Title)
	merge("creator", &cfg.Creator)
	merge("publisher", &cfg.Publisher)
	merge("description", &cfg.Description)
	merge("long-description", &cfg.LongDescription)
	merge("tags", &cfg.Tags)
	merge("secondary-color", &cfg.SecondaryColor)
	merge("file-name", &cfg.FileName)

	for flag, value := range map[string]string{
		"name":        cfg.Name,
		"title":       cfg.Title,
		"creator":     cfg.Creator,
		"description": cfg.Description,
	} {
		if value == "" {
			return cfg, fmt.Errorf("--%s is required", flag)
		}
	}
	if cfg.SecondaryColor == "" {
		cfg.SecondaryColor = "#FFFFFF"
	}
	if cfg.FileName == "" {
		cfg.FileName = defaultFileName
	}
	return cfg, nil
}

func buildRunConfig(c *cli.Context) (models.RunConfig, error) {
	cfg := models.RunConfig{
		LibraryURL:         c.String("library-url"),
		OutputFolder:       c.String("output"),
		TmpFolder:          c.String("tmp"),
		ZimUIDist:          c.String("zimui-dist"),
		StatsFilename:      c.String("stats-filename"),
		IllustrationURL:    c.String("illustration-url"),
		OptimizationCache:  c.String("optimization-cache"),
		ContactInfo:        c.String("contact-info"),
		AssetsWorkers:      c.Int("assets-workers"),
		BadAssetsRegex:     c.String("bad-assets-regex"),
		BadAssetsThreshold: c.Int("bad-assets-threshold"),
		Overwrite:          c.Bool("overwrite"),
		NoReport:           c.Bool("no-report"),
	}
	if cfg.LibraryURL == "" {
		return cfg, fmt.Errorf("--library-url is required")
	}
	if cfg.ZimUIDist == "" {
		return cfg, fmt.Errorf("--zimui-dist is required")
	}

	var err error
	if cfg.OutputFolder, err = common.ExpandPath(cfg.OutputFolder); err != nil {
		return cfg, err
	}
	if cfg.TmpFolder, err = common.ExpandPath(cfg.TmpFolder); err != nil {
		return cfg, err
	}
	cfg.CacheFolder = filepath.Join(cfg.TmpFolder, "cache")
	return cfg, nil
}
