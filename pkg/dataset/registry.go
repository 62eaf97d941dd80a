package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrNotInRegistry is returned when a record does not list the requested file.
var ErrNotInRegistry = errors.New("file not found in record registry")

// RegistryFile is one downloadable file of a Zenodo record.
type RegistryFile struct {
	Key      string `yaml:"key"`
	Size     int64  `yaml:"size"`
	Checksum string `yaml:"checksum"`
	URL      string `yaml:"url"`
}

// Registry lists the files of a Zenodo record.
type Registry struct {
	RecordID string         `yaml:"record_id"`
	Files    []RegistryFile `yaml:"files"`
}

// Lookup returns the registry entry for key.
func (r *Registry) Lookup(key string) (RegistryFile, bool) {
	for _, f := range r.Files {
		if f.Key == key {
			return f, true
		}
	}
	return RegistryFile{}, false
}

// zenodoRecord is the subset of the Zenodo records API response we use.
type zenodoRecord struct {
	ID    json.Number `json:"id"`
	Files []struct {
		Key      string `json:"key"`
		Size     int64  `json:"size"`
		Checksum string `json:"checksum"`
		Links    struct {
			Self    string `json:"self"`
			Content string `json:"content"`
		} `json:"links"`
	} `json:"files"`
}

// loadRegistry returns the registry for doi, reading the on-disk copy when
// one exists and querying the Zenodo API otherwise.
func (f *Fetcher) loadRegistry(ctx context.Context, doi string) (*Registry, error) {
	id, err := RecordID(doi)
	if err != nil {
		return nil, err
	}

	path := f.registryPath(id)
	reg, err := readRegistry(path)
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable dataset registry", "path", path, "error", err)
	}

	reg, err = f.fetchRegistry(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := writeRegistry(path, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (f *Fetcher) registryPath(id string) string {
	return filepath.Join(f.dir, "registry", "zenodo-"+id+".yaml")
}

func (f *Fetcher) fetchRegistry(ctx context.Context, id string) (*Registry, error) {
	url := f.apiBase + "/records/" + id
	slog.Info("loading dataset registry", "record", id, "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching record %s: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching record %s: unexpected status %d", id, resp.StatusCode)
	}

	var rec zenodoRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}

	reg := &Registry{RecordID: id}
	for _, file := range rec.Files {
		link := file.Links.Content
		if link == "" {
			link = file.Links.Self
		}
		reg.Files = append(reg.Files, RegistryFile{
			Key:      file.Key,
			Size:     file.Size,
			Checksum: file.Checksum,
			URL:      link,
		})
	}
	return reg, nil
}

func readRegistry(path string) (*Registry, error) {
	// #nosec G304 -- path is built from the cache dir and a numeric record id
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", path, err)
	}
	return &reg, nil
}

func writeRegistry(path string, reg *Registry) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	return nil
}
