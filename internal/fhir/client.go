// Package fhir talks to the FHIR server that generated scripts query: a
// connectivity check, a data probe and an offline cache of demo data.
package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultCheckTimeout = 10 * time.Second

// Client issues read-only FHIR REST calls against one base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// ConnectionStatus is the result of CheckConnection.
type ConnectionStatus struct {
	URL     string        `json:"url"`
	OK      bool          `json:"ok"`
	Message string        `json:"message"`
	Latency time.Duration `json:"latency"`
}

// CheckConnection requests the capability statement. Only HTTP 200 counts
// as connected; anything else is reported in Message, never as an error.
func (c *Client) CheckConnection(ctx context.Context) ConnectionStatus {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status := ConnectionStatus{URL: c.baseURL}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metadata", nil)
	if err != nil {
		status.Message = err.Error()
		return status
	}
	req.Header.Set("Accept", "application/fhir+json")
	resp, err := c.httpClient.Do(req)
	status.Latency = time.Since(start)
	if err != nil {
		status.Message = err.Error()
		log.Printf("❌ [FHIR] %s unreachable: %v", c.baseURL, err)
		return status
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		log.Printf("⚠️ [FHIR] %s returned %d", c.baseURL, resp.StatusCode)
		return status
	}
	status.OK = true
	status.Message = "Connected"
	log.Printf("✅ [FHIR] Connected to %s in %v", c.baseURL, status.Latency)
	return status
}

// Bundle is the subset of a FHIR search Bundle the workbench reads.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

// Count is the number of entries on this page.
func (b Bundle) Count() int { return len(b.Entry) }

// Search GETs path (e.g. "/Patient?_count=10") and returns both the parsed
// bundle and the raw body.
func (c *Client) Search(ctx context.Context, path string) (Bundle, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Bundle{}, nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Bundle{}, nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Bundle{}, nil, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Bundle{}, nil, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return Bundle{}, nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return bundle, body, nil
}

// Patient identifies the patient used for per-patient queries.
type Patient struct {
	ID      string `json:"patient_id"`
	Display string `json:"patient_name"`
}

type patientResource struct {
	ID   string `json:"id"`
	Name []struct {
		Given  []string `json:"given"`
		Family string   `json:"family"`
	} `json:"name"`
}

// FirstPatient returns the first patient of a Patient bundle.
func FirstPatient(b Bundle) (Patient, bool) {
	if len(b.Entry) == 0 {
		return Patient{}, false
	}
	var p patientResource
	if err := json.Unmarshal(b.Entry[0].Resource, &p); err != nil || p.ID == "" {
		return Patient{}, false
	}
	given, family := "?", "?"
	if len(p.Name) > 0 {
		if len(p.Name[0].Given) > 0 {
			given = p.Name[0].Given[0]
		}
		if p.Name[0].Family != "" {
			family = p.Name[0].Family
		}
	}
	return Patient{ID: p.ID, Display: given + " " + family}, true
}

// ConditionSummary is one row of a patient's problem list.
type ConditionSummary struct {
	Status  string `json:"status"`
	Display string `json:"display"`
	Code    string `json:"code"`
}

type conditionResource struct {
	Code struct {
		Coding []struct {
			Code    string `json:"code"`
			Display string `json:"display"`
		} `json:"coding"`
	} `json:"code"`
	ClinicalStatus struct {
		Coding []struct {
			Code string `json:"code"`
		} `json:"coding"`
	} `json:"clinicalStatus"`
}

func summarizeConditions(b Bundle) []ConditionSummary {
	out := []ConditionSummary{}
	for _, e := range b.Entry {
		var c conditionResource
		if err := json.Unmarshal(e.Resource, &c); err != nil || len(c.Code.Coding) == 0 {
			continue
		}
		s := ConditionSummary{Status: "?", Display: "?", Code: "?"}
		if c.Code.Coding[0].Display != "" {
			s.Display = c.Code.Coding[0].Display
		}
		if c.Code.Coding[0].Code != "" {
			s.Code = c.Code.Coding[0].Code
		}
		if len(c.ClinicalStatus.Coding) > 0 && c.ClinicalStatus.Coding[0].Code != "" {
			s.Status = c.ClinicalStatus.Coding[0].Code
		}
		out = append(out, s)
	}
	return out
}

// ProbeReport says whether the server holds usable demo data.
type ProbeReport struct {
	BaseURL    string             `json:"base_url"`
	Patients   int                `json:"patients"`
	Patient    Patient            `json:"patient"`
	Counts     map[string]int     `json:"counts"`
	Failures   map[string]string  `json:"failures,omitempty"`
	Conditions []ConditionSummary `json:"conditions"`
}

var probeResources = []struct {
	label    string
	resource string
}{
	{"Conditions", "Condition"},
	{"Observations (labs/vitals)", "Observation"},
	{"Medications", "MedicationRequest"},
	{"Encounters", "Encounter"},
}

// Probe lists up to ten patients, picks the first, and counts its
// conditions, observations, medication requests and encounters. It fails only
// when no patient can be found; per-resource failures land in Failures.
func (c *Client) Probe(ctx context.Context) (*ProbeReport, error) {
	log.Printf("🔍 [FHIR] Probing %s", c.baseURL)
	patients, _, err := c.Search(ctx, "/Patient?_count=10")
	if err != nil {
		return nil, fmt.Errorf("no patients found, server may be down: %w", err)
	}
	patient, ok := FirstPatient(patients)
	if !ok {
		return nil, fmt.Errorf("no patients found at %s", c.baseURL)
	}

	report := &ProbeReport{
		BaseURL:  c.baseURL,
		Patients: patients.Count(),
		Patient:  patient,
		Counts:   map[string]int{},
		Failures: map[string]string{},
	}
	bundles := make([]Bundle, len(probeResources))
	errs := make([]error, len(probeResources))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range probeResources {
		g.Go(func() error {
			bundles[i], _, errs[i] = c.Search(gctx, fmt.Sprintf("/%s?patient=%s&_count=50", r.resource, patient.ID))
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range probeResources {
		if errs[i] != nil {
			report.Failures[r.label] = errs[i].Error()
			continue
		}
		report.Counts[r.label] = bundles[i].Count()
	}
	report.Conditions = summarizeConditions(bundles[0])
	log.Printf("✅ [FHIR] Probe found patient %s (%s) with %d condition(s)", patient.Display, patient.ID, len(report.Conditions))
	return report, nil
}
