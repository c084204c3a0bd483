package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Cohort condition codes cached for offline cohort analysis.
const (
	SNOMEDDiabetesType2 = "44054006"
	SNOMEDHypertension  = "38341003"
)

// Cache writes FHIR search results to JSON files so demos can fall back to
// local data when the server is slow or down.
type Cache struct {
	client *Client
	dir    string
}

func NewCache(client *Client, dir string) *Cache {
	return &Cache{client: client, dir: dir}
}

// CachedFile is one written file.
type CachedFile struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
}

type CacheReport struct {
	Dir     string       `json:"dir"`
	Patient Patient      `json:"patient"`
	Files   []CachedFile `json:"files"`
}

// DemoInfo is written to demo-info.json.
type DemoInfo struct {
	Patient
	BaseURL string `json:"base_url"`
}

// Prefetch caches patients, the first patient's records and two cohort
// searches. Any failed fetch aborts the prefetch.
func (c *Cache) Prefetch(ctx context.Context) (*CacheReport, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	log.Printf("📦 [FHIR-CACHE] Caching FHIR data from %s into %s", c.client.BaseURL(), c.dir)

	patients, first, err := c.fetch(ctx, "/Patient?_count=20", "patients.json")
	if err != nil {
		return nil, err
	}
	patient, ok := FirstPatient(patients)
	if !ok {
		return nil, fmt.Errorf("no patients found at %s", c.client.BaseURL())
	}

	jobs := []struct{ path, file string }{
		{fmt.Sprintf("/Condition?patient=%s&_count=100", patient.ID), "conditions.json"},
		{fmt.Sprintf("/Observation?patient=%s&_count=100", patient.ID), "observations.json"},
		{fmt.Sprintf("/MedicationRequest?patient=%s&_count=100", patient.ID), "medications.json"},
		{fmt.Sprintf("/Encounter?patient=%s&_count=100", patient.ID), "encounters.json"},
		{"/Condition?code=" + SNOMEDDiabetesType2 + "&_count=200", "diabetic-patients.json"},
		{"/Condition?code=" + SNOMEDHypertension + "&_count=200", "hypertensive-patients.json"},
	}
	files := make([]CachedFile, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, job := range jobs {
		g.Go(func() error {
			_, f, err := c.fetch(gctx, job.path, job.file)
			files[i] = f
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	info := DemoInfo{Patient: patient, BaseURL: c.client.BaseURL()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, err
	}
	infoPath := filepath.Join(c.dir, "demo-info.json")
	if err := os.WriteFile(infoPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", infoPath, err)
	}

	report := &CacheReport{Dir: c.dir, Patient: patient, Files: append([]CachedFile{first}, files...)}
	log.Printf("✅ [FHIR-CACHE] Cached %d files for demo patient %s (%s)", len(report.Files), patient.Display, patient.ID)
	return report, nil
}

func (c *Cache) fetch(ctx context.Context, path, filename string) (Bundle, CachedFile, error) {
	bundle, raw, err := c.client.Search(ctx, path)
	if err != nil {
		return Bundle{}, CachedFile{}, err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return Bundle{}, CachedFile{}, fmt.Errorf("format %s: %w", filename, err)
	}
	out := filepath.Join(c.dir, filename)
	if err := os.WriteFile(out, pretty.Bytes(), 0o644); err != nil {
		return Bundle{}, CachedFile{}, fmt.Errorf("write %s: %w", out, err)
	}
	log.Printf("📄 [FHIR-CACHE] %s (%d entries)", out, bundle.Count())
	return bundle, CachedFile{Path: out, Entries: bundle.Count()}, nil
}
