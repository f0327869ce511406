package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"mindgrab/internal/scrape"
)

func main() {
	app := &cli.App{
		Name:    "mindgrab",
		Usage:   "archive a Mindtouch documentation library into a single offline file",
		Version: scrape.ScraperID(),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "library-url", Usage: "URL of the documentation library home (required)"},
			&cli.StringFlag{Name: "name", Usage: "archive name, may use {slug} {clean_slug} {period} placeholders (required)"},
			&cli.StringFlag{Name: "title", Usage: "archive title (required)"},
			&cli.StringFlag{Name: "creator", Usage: "content creator (required)"},
			&cli.StringFlag{Name: "description", Usage: "short archive description (required)"},
			&cli.StringFlag{Name: "publisher", Usage: "archive publisher"},
			&cli.StringFlag{Name: "long-description", Usage: "long archive description"},
			&cli.StringFlag{Name: "tags", Usage: "semicolon separated archive tags"},
			&cli.StringFlag{Name: "secondary-color", Usage: "UI secondary color"},
			&cli.StringFlag{Name: "file-name", Usage: "archive file name template"},
			&cli.StringFlag{Name: "page-title-include", Usage: "only include pages whose title matches this regex"},
			&cli.StringFlag{Name: "page-id-include", Usage: "comma separated page IDs to include"},
			&cli.StringFlag{Name: "page-title-exclude", Usage: "exclude pages whose title matches this regex"},
			&cli.StringFlag{Name: "root-page-id", Usage: "restrict the scrape to the sub-tree rooted at this page"},
			&cli.StringFlag{Name: "output", Value: "output", Usage: "directory for the finished archive"},
			&cli.StringFlag{Name: "tmp", Value: os.TempDir(), Usage: "working directory for cache and reports"},
			&cli.StringFlag{Name: "zimui-dist", Usage: "path of the prebuilt UI distribution (required)"},
			&cli.StringFlag{Name: "stats-filename", Usage: "file receiving progress counters as JSON"},
			&cli.StringFlag{Name: "illustration-url", Usage: "URL of the archive illustration, overrides the library icons"},
			&cli.StringFlag{Name: "optimization-cache", Usage: "S3 URL of the image optimization cache"},
			&cli.IntFlag{Name: "assets-workers", Value: 10, Usage: "number of concurrent asset downloads"},
			&cli.StringFlag{Name: "bad-assets-regex", Usage: "regex of asset URLs known to fail"},
			&cli.IntFlag{Name: "bad-assets-threshold", Value: 10, Usage: "tolerated asset failures, negative for unlimited"},
			&cli.StringFlag{Name: "contact-info", Usage: "contact information advertised in the user agent"},
			&cli.BoolFlag{Name: "overwrite", Usage: "replace an existing archive file"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.StringFlag{Name: "config", Usage: "YAML file providing metadata flag defaults"},
			&cli.BoolFlag{Name: "no-report", Usage: "skip writing the run report database"},
		},
		Action: scrape.ScrapeAction,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
