// Package sources loads the preset feed source definitions that seed the
// source_creators table on startup.
package sources

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/prismnotes/ingest/db"
	"github.com/prismnotes/ingest/models"
	"github.com/prismnotes/ingest/slug"
)

// Preset is one entry of the preset file. Active defaults to true when
// omitted; Slug is derived from the domain when omitted.
type Preset struct {
	Slug         string `yaml:"slug"`
	DisplayName  string `yaml:"display_name"`
	SourceDomain string `yaml:"source_domain"`
	FeedURL      string `yaml:"feed_url"`
	HomepageURL  string `yaml:"homepage_url"`
	Active       *bool  `yaml:"active"`
}

// Load reads and validates a preset file. Entries that fail validation
// are dropped with their reasons collected; the caller decides whether
// dropped entries are fatal.
func Load(path string) ([]*models.SourceCreator, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) ([]*models.SourceCreator, []string, error) {
	var presets []Preset
	if err := yaml.Unmarshal(data, &presets); err != nil {
		return nil, nil, fmt.Errorf("failed to parse sources file: %w", err)
	}

	var (
		sources []*models.SourceCreator
		dropped []string
		seen    = make(map[string]bool)
	)
	for i, preset := range presets {
		source, reason := validate(preset)
		if reason != "" {
			dropped = append(dropped, fmt.Sprintf("entry %d: %s", i, reason))
			continue
		}
		if seen[source.Slug] {
			dropped = append(dropped, fmt.Sprintf("entry %d: duplicate slug %q", i, source.Slug))
			continue
		}
		seen[source.Slug] = true
		sources = append(sources, source)
	}
	return sources, dropped, nil
}

func validate(preset Preset) (*models.SourceCreator, string) {
	domain := strings.Trim(strings.ToLower(strings.TrimSpace(preset.SourceDomain)), ".")
	if domain == "" {
		return nil, "missing source_domain"
	}

	slugValue := strings.ToLower(strings.TrimSpace(preset.Slug))
	if slugValue == "" {
		slugValue = slug.FromDomain(domain)
	}
	if !slug.Valid(slugValue) {
		return nil, fmt.Sprintf("invalid slug %q", slugValue)
	}

	displayName := strings.TrimSpace(preset.DisplayName)
	if displayName == "" {
		return nil, "missing display_name"
	}

	feedURL := strings.TrimSpace(preset.FeedURL)
	if reason := checkHTTPURL("feed_url", feedURL); reason != "" {
		return nil, reason
	}
	homepageURL := strings.TrimSpace(preset.HomepageURL)
	if reason := checkHTTPURL("homepage_url", homepageURL); reason != "" {
		return nil, reason
	}

	active := true
	if preset.Active != nil {
		active = *preset.Active
	}

	return &models.SourceCreator{
		Slug:         slugValue,
		DisplayName:  displayName,
		SourceDomain: domain,
		FeedURL:      feedURL,
		HomepageURL:  homepageURL,
		Active:       active,
	}, ""
}

func checkHTTPURL(field, value string) string {
	if value == "" {
		return "missing " + field
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Sprintf("invalid %s: %v", field, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Sprintf("invalid %s scheme %q", field, parsed.Scheme)
	}
	return ""
}

// Bootstrap upserts every preset into the database. Existing sources are
// matched by slug so IDs survive preset edits.
func Bootstrap(database *db.DB, presets []*models.SourceCreator) error {
	for _, source := range presets {
		if err := database.UpsertSourceCreator(source); err != nil {
			return fmt.Errorf("failed to bootstrap source %q: %w", source.Slug, err)
		}
	}
	return nil
}
