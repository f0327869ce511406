package models

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ZimConfig holds the user supplied metadata for the output archive.
// The string fields may contain {name}, {slug}, {clean_slug} and {period}
// placeholders which are resolved once per run by Format.
type ZimConfig struct {
	Name            string `yaml:"name"`
	Title           string `yaml:"title"`
	Creator         string `yaml:"creator"`
	Publisher       string `yaml:"publisher"`
	Description     string `yaml:"description"`
	LongDescription string `yaml:"long-description"`
	Tags            string `yaml:"tags"`
	SecondaryColor  string `yaml:"secondary-color"`
	FileName        string `yaml:"file-name"`
}

// InvalidFormatError is returned when a template references an unknown
// placeholder.
type InvalidFormatError struct {
	Template string
	Key      string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid placeholder {%s} in template %q", e.Key, e.Template)
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

func formatTemplate(template string, placeholders map[string]string) (string, error) {
	var badKey string
	result := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		value, ok := placeholders[key]
		if !ok {
			badKey = key
			return match
		}
		return value
	})
	if badKey != "" {
		return "", &InvalidFormatError{Template: template, Key: badKey}
	}
	return result, nil
}

// Format resolves every placeholder-bearing field against the given
// placeholder set and returns the resolved copy.
func (c ZimConfig) Format(placeholders map[string]string) (ZimConfig, error) {
	formatted := c
	fields := []*string{
		&formatted.Name,
		&formatted.Title,
		&formatted.Description,
		&formatted.LongDescription,
		&formatted.Tags,
		&formatted.FileName,
	}
	for _, field := range fields {
		resolved, err := formatTemplate(*field, placeholders)
		if err != nil {
			return ZimConfig{}, err
		}
		*field = resolved
	}
	return formatted, nil
}

var cleanSlugRe = regexp.MustCompile(`[^.a-zA-Z0-9]`)

// Placeholders builds the placeholder set for a run. period is expected in
// YYYY-MM form.
func Placeholders(name, slug, period string) map[string]string {
	return map[string]string{
		"name":       name,
		"slug":       slug,
		"clean_slug": cleanSlugRe.ReplaceAllString(slug, "-"),
		"period":     period,
	}
}

// RunConfig holds everything else configuring a scraper run.
type RunConfig struct {
	LibraryURL         string
	OutputFolder       string
	TmpFolder          string
	CacheFolder        string
	ZimUIDist          string
	StatsFilename      string
	IllustrationURL    string
	OptimizationCache  string
	ContactInfo        string
	AssetsWorkers      int
	BadAssetsRegex     string
	BadAssetsThreshold int
	Overwrite          bool
	NoReport           bool
}

// LoadZimConfig reads metadata defaults from a YAML file. Flags set on the
// command line take precedence over file values; merging happens at the CLI
// layer.
func LoadZimConfig(path string) (*ZimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := &ZimConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SlugFromLibraryURL derives the library slug from its URL, e.g.
// https://geo.libretexts.org -> geo.
func SlugFromLibraryURL(libraryURL string) string {
	host := libraryURL
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/:"); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.Index(host, "."); idx > 0 {
		return host[:idx]
	}
	return host
}
