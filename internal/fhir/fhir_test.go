package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const patientBundle = `{"resourceType":"Bundle","entry":[
 {"resource":{"resourceType":"Patient","id":"p1","name":[{"given":["Ada"],"family":"Lovelace"}]}},
 {"resource":{"resourceType":"Patient","id":"p2"}}]}`

const conditionBundle = `{"resourceType":"Bundle","entry":[
 {"resource":{"resourceType":"Condition","code":{"coding":[{"code":"44054006","display":"Diabetes mellitus type 2"}]},"clinicalStatus":{"coding":[{"code":"active"}]}}},
 {"resource":{"resourceType":"Condition","code":{"coding":[{"code":"38341003"}]}}}]}`

func fakeFHIR(t *testing.T, broken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken != "" && strings.HasPrefix(r.URL.Path, broken) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		switch r.URL.Path {
		case "/metadata":
			_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement"}`))
		case "/Patient":
			_, _ = w.Write([]byte(patientBundle))
		case "/Condition":
			_, _ = w.Write([]byte(conditionBundle))
		case "/Observation", "/MedicationRequest", "/Encounter":
			if r.URL.Query().Get("patient") != "p1" {
				t.Errorf("expected patient p1, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"resourceType":"Bundle","entry":[{"resource":{}}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestCheckConnection(t *testing.T) {
	srv := fakeFHIR(t, "")
	defer srv.Close()

	status := NewClient(srv.URL+"/", time.Second).CheckConnection(context.Background())
	if !status.OK || status.Message != "Connected" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestCheckConnection_Non200(t *testing.T) {
	srv := fakeFHIR(t, "/metadata")
	defer srv.Close()

	status := NewClient(srv.URL, time.Second).CheckConnection(context.Background())
	if status.OK || status.Message != "HTTP 503" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestCheckConnection_Unreachable(t *testing.T) {
	srv := fakeFHIR(t, "")
	url := srv.URL
	srv.Close()

	status := NewClient(url, time.Second).CheckConnection(context.Background())
	if status.OK || status.Message == "" {
		t.Fatalf("expected error text, got %+v", status)
	}
}

func TestFirstPatient(t *testing.T) {
	var b Bundle
	if err := json.Unmarshal([]byte(patientBundle), &b); err != nil {
		t.Fatal(err)
	}
	p, ok := FirstPatient(b)
	if !ok || p.ID != "p1" || p.Display != "Ada Lovelace" {
		t.Errorf("unexpected patient %+v", p)
	}

	b.Entry = b.Entry[1:]
	p, ok = FirstPatient(b)
	if !ok || p.Display != "? ?" {
		t.Errorf("missing names should render as ?, got %+v", p)
	}

	if _, ok := FirstPatient(Bundle{}); ok {
		t.Error("empty bundle has no patient")
	}
}

func TestProbe(t *testing.T) {
	srv := fakeFHIR(t, "/Encounter")
	defer srv.Close()

	report, err := NewClient(srv.URL, time.Second).Probe(context.Background())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if report.Patients != 2 || report.Patient.ID != "p1" {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Counts["Conditions"] != 2 || report.Counts["Observations (labs/vitals)"] != 1 {
		t.Errorf("unexpected counts %+v", report.Counts)
	}
	if _, failed := report.Failures["Encounters"]; !failed {
		t.Errorf("encounter failure should be recorded: %+v", report.Failures)
	}
	if len(report.Conditions) != 2 || report.Conditions[0].Status != "active" || report.Conditions[1].Display != "?" {
		t.Errorf("unexpected conditions %+v", report.Conditions)
	}
}

func TestProbe_NoPatients(t *testing.T) {
	srv := fakeFHIR(t, "/Patient")
	defer srv.Close()

	if _, err := NewClient(srv.URL, time.Second).Probe(context.Background()); err == nil {
		t.Fatal("expected probe to fail without patients")
	}
}

func TestCachePrefetch(t *testing.T) {
	srv := fakeFHIR(t, "")
	defer srv.Close()
	dir := filepath.Join(t.TempDir(), "fallback-data")

	report, err := NewCache(NewClient(srv.URL, time.Second), dir).Prefetch(context.Background())
	if err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if len(report.Files) != 7 {
		t.Errorf("expected 7 bundle files, got %d", len(report.Files))
	}
	for _, name := range []string{
		"patients.json", "conditions.json", "observations.json", "medications.json",
		"encounters.json", "diabetic-patients.json", "hypertensive-patients.json", "demo-info.json",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "demo-info.json"))
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	if info["patient_id"] != "p1" || info["patient_name"] != "Ada Lovelace" || info["base_url"] != srv.URL {
		t.Errorf("unexpected demo info %v", info)
	}
}

func TestCachePrefetch_FailsOnBrokenResource(t *testing.T) {
	srv := fakeFHIR(t, "/MedicationRequest")
	defer srv.Close()

	_, err := NewCache(NewClient(srv.URL, time.Second), t.TempDir()).Prefetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "HTTP 503") {
		t.Fatalf("expected HTTP 503 failure, got %v", err)
	}
}
