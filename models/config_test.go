package models

import (
	"errors"
	"testing"
)

func TestZimConfigFormat(t *testing.T) {
	config := ZimConfig{
		Name:     "mylib",
		Title:    "Library {name}",
		FileName: "{clean_slug}_{period}",
	}

	formatted, err := config.Format(Placeholders("mylib", "geo_1", "2026-08"))
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	if formatted.Title != "Library mylib" {
		t.Errorf("Title = %q, want %q", formatted.Title, "Library mylib")
	}
	if formatted.FileName != "geo-1_2026-08" {
		t.Errorf("FileName = %q, want %q", formatted.FileName, "geo-1_2026-08")
	}
}

func TestZimConfigFormatUnknownPlaceholder(t *testing.T) {
	config := ZimConfig{FileName: "{bogus}"}

	_, err := config.Format(Placeholders("n", "s", "2026-08"))
	if err == nil {
		t.Fatal("Format() with unknown placeholder, want error")
	}
	var invalid *InvalidFormatError
	if !errors.As(err, &invalid) {
		t.Errorf("error type = %T, want *InvalidFormatError", err)
	}
	if invalid.Key != "bogus" {
		t.Errorf("Key = %q, want %q", invalid.Key, "bogus")
	}
}

func TestSlugFromLibraryURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://geo.libretexts.org", "geo"},
		{"https://geo.libretexts.org/some/path", "geo"},
		{"http://docs.example.com:8080", "docs"},
		{"https://localhost", "localhost"},
	}
	for _, tt := range tests {
		if got := SlugFromLibraryURL(tt.url); got != tt.want {
			t.Errorf("SlugFromLibraryURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
