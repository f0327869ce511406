// Package processor drives a whole archiving run: metadata, UI shell,
// styles, pages and assets, in that order, into a single archive file.
package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pemistahl/lingua-go"

	"mindgrab/internal/common"
	"mindgrab/models"
	"mindgrab/pkg/assets"
	"mindgrab/pkg/client"
	"mindgrab/pkg/fetcher"
	"mindgrab/pkg/progress"
	"mindgrab/pkg/rewriter"
	"mindgrab/pkg/transcoder"
	"mindgrab/pkg/zimfile"
)

// ErrArchiveExists means the destination file is already present and
// --overwrite was not given. The CLI maps it to its own exit code.
var ErrArchiveExists = errors.New("archive already exists")

// ErrNoIllustration means none of the illustration candidates could be
// fetched and decoded.
var ErrNoIllustration = errors.New("no illustration found")

// viteTitle is the placeholder title the UI build ships with.
const viteTitle = "<title>Vite App</title>"

const (
	illustrationSize = 48
	faviconSize      = 32
	reportInterval   = 10 * time.Second
	defaultLanguage  = "eng"
)

// Config wires one archiving run.
type Config struct {
	Run       models.RunConfig
	Zim       models.ZimConfig
	Client    *client.Client
	Fetcher   *fetcher.Fetcher
	Assets    *assets.Processor
	Filter    *ContentFilter
	Tracker   *progress.Tracker
	Logger    *slog.Logger
	ScraperID string
}

// RunStats summarizes a finished run for reporting.
type RunStats struct {
	ArchivePath string
	Pages       int
	Assets      int
	BadAssets   int
}

type Processor struct {
	cfg       models.RunConfig
	zim       models.ZimConfig
	client    *client.Client
	fetcher   *fetcher.Fetcher
	assets    *assets.Processor
	filter    *ContentFilter
	tracker   *progress.Tracker
	logger    *slog.Logger
	scraperID string
}

func NewProcessor(cfg Config) *Processor {
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	return &Processor{
		cfg:       cfg.Run,
		zim:       cfg.Zim,
		client:    cfg.Client,
		fetcher:   cfg.Fetcher,
		assets:    cfg.Assets,
		filter:    cfg.Filter,
		tracker:   tracker,
		logger:    cfg.Logger,
		scraperID: cfg.ScraperID,
	}
}

// Run executes the pipeline. The archive appears under its final name only
// when every phase succeeded; any fatal error leaves no partial file behind.
func (p *Processor) Run() (*RunStats, error) {
	period := time.Now().Format("2006-01")
	slug := models.SlugFromLibraryURL(p.cfg.LibraryURL)
	zim, err := p.zim.Format(models.Placeholders(p.zim.Name, slug, period))
	if err != nil {
		return nil, err
	}

	archivePath := filepath.Join(p.cfg.OutputFolder, zim.FileName)
	if _, err := os.Stat(archivePath); err == nil {
		if !p.cfg.Overwrite {
			return nil, fmt.Errorf("%w: %s", ErrArchiveExists, archivePath)
		}
		p.logger.Info("Removing existing archive", "path", archivePath)
		if err := os.Remove(archivePath); err != nil {
			return nil, fmt.Errorf("failed to remove existing archive: %w", err)
		}
	}
	if err := common.EnsureWritableDir(p.cfg.OutputFolder); err != nil {
		return nil, err
	}
	if err := common.EnsureWritableDir(p.cfg.TmpFolder); err != nil {
		return nil, err
	}

	creator, err := zimfile.NewCreator(archivePath, "index.html")
	if err != nil {
		return nil, err
	}
	finalized := false
	defer func() {
		if !finalized {
			creator.Abort()
		}
	}()

	reporter := progress.NewReporter(p.tracker, p.cfg.StatsFilename, p.logger, reportInterval)
	reporter.Start()
	defer reporter.Stop()

	p.logger.Info("Fetching library home", "url", p.cfg.LibraryURL)
	home, err := p.client.GetHome()
	if err != nil {
		return nil, err
	}

	if err := p.addMetadata(creator, zim, home); err != nil {
		return nil, err
	}
	if err := p.addUIFiles(creator, zim); err != nil {
		return nil, err
	}

	assetMap := rewriter.NewAssetMap()
	if err := p.addStyles(creator, home, assetMap); err != nil {
		return nil, err
	}

	p.logger.Info("Fetching page tree")
	tree, err := p.client.GetPageTree()
	if err != nil {
		return nil, err
	}
	pages, err := p.filter.Apply(tree)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages left after filtering, nothing to archive")
	}
	p.tracker.AddTotal(len(pages))
	p.logger.Info("Selected pages", "count", len(pages), "library_total", len(tree.Pages))

	if err := p.addShared(creator, pages); err != nil {
		return nil, err
	}
	if err := p.addPages(creator, pages, assetMap); err != nil {
		return nil, err
	}
	p.logger.Info("Processed pages", "progress", p.tracker.String())

	entries := assetMap.Snapshot()
	p.tracker.AddTotal(len(entries))
	p.logger.Info("Processing assets", "count", len(entries), "workers", p.cfg.AssetsWorkers)
	if err := p.assets.ProcessAll(entries, p.cfg.AssetsWorkers, creator, p.tracker); err != nil {
		return nil, err
	}
	p.logger.Info("Processed assets", "progress", p.tracker.String(), "bad_assets", p.assets.BadAssetCount())

	if err := creator.Finalize(); err != nil {
		return nil, err
	}
	finalized = true
	p.tracker.Done()
	p.logger.Info("Archive written", "path", archivePath, "items", creator.ItemCount())

	return &RunStats{
		ArchivePath: archivePath,
		Pages:       len(pages),
		Assets:      len(entries),
		BadAssets:   p.assets.BadAssetCount(),
	}, nil
}

// addMetadata resolves the illustration and language and configures the
// archive header, favicon and UI config document.
func (p *Processor) addMetadata(creator *zimfile.Creator, zim models.ZimConfig, home *models.Home) error {
	illustration, favicon, err := p.fetchIllustration(home)
	if err != nil {
		return err
	}

	language := p.detectLanguage(home.WelcomeText)
	p.logger.Debug("Detected library language", "language", language)

	err = creator.ConfigureMetadata(zimfile.Metadata{
		Name:            zim.Name,
		Title:           zim.Title,
		Publisher:       zim.Publisher,
		Date:            time.Now().Format("2006-01-02"),
		Creator:         zim.Creator,
		Description:     zim.Description,
		LongDescription: zim.LongDescription,
		Language:        language,
		Tags:            zim.Tags,
		Scraper:         p.scraperID,
		Illustration:    illustration,
	})
	if err != nil {
		return err
	}

	if err := creator.AddItem("favicon.ico", favicon, zimfile.WithMimetype("image/png")); err != nil {
		return err
	}

	config, err := json.Marshal(models.UIConfig{SecondaryColor: zim.SecondaryColor})
	if err != nil {
		return fmt.Errorf("failed to marshal UI config: %w", err)
	}
	return creator.AddItem("content/config.json", config, zimfile.WithMimetype("application/json"))
}

// absoluteURL resolves a reference scraped off the home page against the
// library base URL.
func (p *Processor) absoluteURL(ref string) (string, error) {
	base, err := url.Parse(p.client.LibraryURL() + "/")
	if err != nil {
		return "", fmt.Errorf("invalid library URL: %w", err)
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid URL reference %q: %w", ref, err)
	}
	return base.ResolveReference(parsed).String(), nil
}

// fetchIllustration tries each candidate URL in order and returns the first
// one that downloads and decodes, as archive illustration and favicon PNGs.
func (p *Processor) fetchIllustration(home *models.Home) ([]byte, []byte, error) {
	candidates := home.IconURLs
	if p.cfg.IllustrationURL != "" {
		candidates = []string{p.cfg.IllustrationURL}
	}

	for _, ref := range candidates {
		candidate, err := p.absoluteURL(ref)
		if err != nil {
			p.logger.Warn("Skipping illustration candidate", "url", ref, "error", err)
			continue
		}
		raw, err := p.fetcher.GetBytes(candidate)
		if err != nil {
			p.logger.Warn("Failed to fetch illustration candidate", "url", candidate, "error", err)
			continue
		}
		illustration, err := transcoder.CoverPNG(raw, illustrationSize, illustrationSize)
		if err != nil {
			p.logger.Warn("Failed to decode illustration candidate", "url", candidate, "error", err)
			continue
		}
		favicon, err := transcoder.CoverPNG(raw, faviconSize, faviconSize)
		if err != nil {
			continue
		}
		return illustration, favicon, nil
	}
	return nil, nil, ErrNoIllustration
}

// detectionLanguages is the candidate set for welcome text classification,
// the languages hosted documentation libraries actually ship in.
var detectionLanguages = []lingua.Language{
	lingua.English, lingua.French, lingua.German, lingua.Spanish,
	lingua.Portuguese, lingua.Italian, lingua.Dutch, lingua.Japanese,
}

// detectLanguage classifies the welcome text and returns an ISO 639-3 code,
// falling back to English when the text is empty or inconclusive.
func (p *Processor) detectLanguage(welcomeText []string) string {
	text := strings.TrimSpace(strings.Join(welcomeText, " "))
	if text == "" {
		return defaultLanguage
	}
	detector := lingua.NewLanguageDetectorBuilder().
		FromLanguages(detectionLanguages...).
		Build()
	language, ok := detector.DetectLanguageOf(text)
	if !ok {
		return defaultLanguage
	}
	return strings.ToLower(language.IsoCode639_3().String())
}

// addUIFiles copies the prebuilt UI distribution into the archive, patching
// the placeholder title of index.html and marking it as the front page.
func (p *Processor) addUIFiles(creator *zimfile.Creator, zim models.ZimConfig) error {
	p.logger.Info("Adding UI files", "dist", p.cfg.ZimUIDist)
	return filepath.WalkDir(p.cfg.ZimUIDist, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk UI dist: %w", err)
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.cfg.ZimUIDist, path)
		if err != nil {
			return fmt.Errorf("failed to relativize UI file %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)
		p.tracker.AddTotal(1)
		defer p.tracker.Done()

		if rel == "index.html" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read UI index: %w", err)
			}
			page := strings.Replace(string(data), viteTitle,
				"<title>"+html.EscapeString(zim.Title)+"</title>", 1)
			return creator.AddItem(rel, []byte(page),
				zimfile.WithTitle(zim.Title), zimfile.AsFront())
		}
		return creator.AddItemFile(rel, path)
	})
}

// addStyles captures the library look: logo, screen and print stylesheets
// and the inline styles of the home page, with every url() reference
// scheduled for the asset phase.
func (p *Processor) addStyles(creator *zimfile.Creator, home *models.Home, assetMap *rewriter.AssetMap) error {
	logoURL, err := p.absoluteURL(home.WelcomeImageURL)
	if err != nil {
		return err
	}
	logo, err := p.fetcher.GetBytes(logoURL)
	if err != nil {
		return fmt.Errorf("failed to fetch library logo: %w", err)
	}
	if err := creator.AddItem("content/logo.png", logo); err != nil {
		return err
	}

	sheets := []struct {
		url  string
		path rewriter.AssetPath
	}{
		{home.ScreenCSSURL, "screen.css"},
		{home.PrintCSSURL, "print.css"},
	}
	for _, sheet := range sheets {
		if sheet.url == "" {
			continue
		}
		sheetURL, err := p.absoluteURL(sheet.url)
		if err != nil {
			return err
		}
		raw, err := p.fetcher.GetBytes(sheetURL)
		if err != nil {
			return fmt.Errorf("failed to fetch stylesheet %s: %w", sheetURL, err)
		}
		cssRewriter, err := rewriter.NewCSSRewriter(sheetURL, sheet.path, assetMap)
		if err != nil {
			return err
		}
		err = creator.AddItem("content/"+string(sheet.path), cssRewriter.Rewrite(raw),
			zimfile.WithMimetype("text/css"))
		if err != nil {
			return err
		}
	}

	if len(home.InlineCSS) > 0 {
		cssRewriter, err := rewriter.NewCSSRewriter(home.HomeURL, "inline.css", assetMap)
		if err != nil {
			return err
		}
		inline := cssRewriter.Rewrite([]byte(strings.Join(home.InlineCSS, "\n")))
		if err := creator.AddItem("content/inline.css", inline, zimfile.WithMimetype("text/css")); err != nil {
			return err
		}
	}
	return nil
}

// addShared writes the navigation document the UI loads at startup.
func (p *Processor) addShared(creator *zimfile.Creator, pages []*models.LibraryPage) error {
	shared := models.UIShared{
		LogoPath:     "logo.png",
		RootPagePath: pages[0].Path,
		Pages:        make([]models.UIPage, 0, len(pages)),
		JSPaths:      []string{},
	}
	for _, page := range pages {
		shared.Pages = append(shared.Pages, models.UIPage{
			ID:    page.ID,
			Title: page.Title,
			Path:  page.Path,
		})
	}
	data, err := json.Marshal(shared)
	if err != nil {
		return fmt.Errorf("failed to marshal shared document: %w", err)
	}
	return creator.AddItem("content/shared.json", data, zimfile.WithMimetype("application/json"))
}

// addPages fetches and rewrites every selected page sequentially. Any page
// failure aborts the run: a partial library is worse than no library.
func (p *Processor) addPages(creator *zimfile.Creator, pages []*models.LibraryPage, assetMap *rewriter.AssetMap) error {
	existing, err := existingPaths(p.client.LibraryURL(), pages)
	if err != nil {
		return err
	}

	for _, page := range pages {
		content, err := p.client.GetPageContent(page)
		if err != nil {
			return fmt.Errorf("failed to fetch page %s: %w", page.ID, err)
		}
		htmlRewriter, err := rewriter.NewHTMLRewriter(p.client.LibraryURL(), page.Path, existing, assetMap)
		if err != nil {
			return err
		}
		rewritten, err := htmlRewriter.Rewrite(content.HTMLBody)
		if err != nil {
			return fmt.Errorf("failed to rewrite page %s: %w", page.ID, err)
		}
		doc, err := json.Marshal(models.UIPageContent{HTMLBody: rewritten})
		if err != nil {
			return fmt.Errorf("failed to marshal page %s: %w", page.ID, err)
		}
		path := fmt.Sprintf("content/page_content_%s.json", page.ID)
		if err := creator.AddItem(path, doc, zimfile.WithMimetype("application/json"), zimfile.WithTitle(page.Title)); err != nil {
			return err
		}
		p.tracker.Done()
	}
	return nil
}

// existingPaths maps every selected page to its normalized archive path, so
// the HTML rewriter can tell in-archive links from external ones.
func existingPaths(libraryURL string, pages []*models.LibraryPage) (map[rewriter.AssetPath]bool, error) {
	existing := make(map[rewriter.AssetPath]bool, len(pages))
	for _, page := range pages {
		pageURL, err := url.Parse(libraryURL + "/" + page.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid page path %s: %w", page.Path, err)
		}
		existing[rewriter.Normalize(pageURL)] = true
	}
	return existing, nil
}
