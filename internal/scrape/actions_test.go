package scrape

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v2"
)

// runWith executes fn as the action of a minimal app carrying the real flag
// set, so flag parsing behaves exactly as in production.
func runWith(t *testing.T, args []string, fn func(c *cli.Context)) {
	t.Helper()
	app := &cli.App{
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "library-url"},
			&cli.StringFlag{Name: "name"},
			&cli.StringFlag{Name: "title"},
			&cli.StringFlag{Name: "creator"},
			&cli.StringFlag{Name: "description"},
			&cli.StringFlag{Name: "publisher"},
			&cli.StringFlag{Name: "long-description"},
			&cli.StringFlag{Name: "tags"},
			&cli.StringFlag{Name: "secondary-color"},
			&cli.StringFlag{Name: "file-name"},
			&cli.StringFlag{Name: "output", Value: "output"},
			&cli.StringFlag{Name: "tmp", Value: os.TempDir()},
			&cli.StringFlag{Name: "zimui-dist"},
			&cli.StringFlag{Name: "config"},
		},
		Action: func(c *cli.Context) error {
			fn(c)
			return nil
		},
	}
	if err := app.Run(append([]string{"mindgrab"}, args...)); err != nil {
		t.Fatalf("app.Run() error = %v", err)
	}
}

func TestBuildZimConfigRequiresMetadata(t *testing.T) {
	runWith(t, []string{"--name", "n", "--title", "t", "--creator", "c"}, func(c *cli.Context) {
		if _, err := buildZimConfig(c); err == nil {
			t.Error("buildZimConfig() without description succeeded, want error")
		}
	})
}

func TestBuildZimConfigDefaults(t *testing.T) {
	args := []string{"--name", "acme.docs", "--title", "Acme", "--creator", "Acme", "--description", "d"}
	runWith(t, args, func(c *cli.Context) {
		cfg, err := buildZimConfig(c)
		if err != nil {
			t.Fatalf("buildZimConfig() error = %v", err)
		}
		if cfg.FileName != defaultFileName {
			t.Errorf("FileName = %q, want default template", cfg.FileName)
		}
		if cfg.SecondaryColor != "#FFFFFF" {
			t.Errorf("SecondaryColor = %q, want #FFFFFF", cfg.SecondaryColor)
		}
	})
}

func TestBuildZimConfigFlagsOverrideFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "name: from-file\ntitle: File Title\ncreator: File\ndescription: file desc\npublisher: File Pub\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	args := []string{"--config", configPath, "--title", "Flag Title"}
	runWith(t, args, func(c *cli.Context) {
		cfg, err := buildZimConfig(c)
		if err != nil {
			t.Fatalf("buildZimConfig() error = %v", err)
		}
		if cfg.Title != "Flag Title" {
			t.Errorf("Title = %q, flag should win over file", cfg.Title)
		}
		if cfg.Name != "from-file" {
			t.Errorf("Name = %q, file value should survive", cfg.Name)
		}
		if cfg.Publisher != "File Pub" {
			t.Errorf("Publisher = %q", cfg.Publisher)
		}
	})
}

func TestBuildRunConfigRequiresLibraryURL(t *testing.T) {
	runWith(t, []string{"--zimui-dist", "dist"}, func(c *cli.Context) {
		if _, err := buildRunConfig(c); err == nil {
			t.Error("buildRunConfig() without library URL succeeded, want error")
		}
	})
}

func TestBuildRunConfigDerivesCacheFolder(t *testing.T) {
	tmp := t.TempDir()
	args := []string{"--library-url", "https://docs.example.com", "--zimui-dist", "dist", "--tmp", tmp}
	runWith(t, args, func(c *cli.Context) {
		cfg, err := buildRunConfig(c)
		if err != nil {
			t.Fatalf("buildRunConfig() error = %v", err)
		}
		if cfg.CacheFolder != filepath.Join(tmp, "cache") {
			t.Errorf("CacheFolder = %q, want under tmp", cfg.CacheFolder)
		}
		if !filepath.IsAbs(cfg.OutputFolder) {
			t.Errorf("OutputFolder = %q, want absolute", cfg.OutputFolder)
		}
	})
}
