package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrEmptyQuestion is returned when a custom query has no text.
var ErrEmptyQuestion = errors.New("question is empty")

// Preset describes a quality-gap screen for one condition.
type Preset struct {
	Condition string `json:"condition" yaml:"condition"`
	SNOMED    string `json:"snomed" yaml:"snomed"`
	Lab       string `json:"lab" yaml:"lab"`
	LOINC     string `json:"loinc" yaml:"loinc"`
	Threshold string `json:"threshold" yaml:"threshold"`
	GapMeds   string `json:"gap_meds" yaml:"gap_meds"`
}

// Presets are the built-in gap analyses, keyed by condition name.
var Presets = map[string]Preset{
	"Diabetes Mellitus Type 2": {Condition: "Diabetes Mellitus Type 2", SNOMED: "44054006", Lab: "HbA1c", LOINC: "4548-4", Threshold: "9%", GapMeds: "insulin or GLP-1 agonist"},
	"Hypertension":             {Condition: "Hypertension", SNOMED: "38341003", Lab: "Systolic BP", LOINC: "8480-6", Threshold: "140 mmHg", GapMeds: "any antihypertensive"},
	"Heart Failure":            {Condition: "Heart Failure", SNOMED: "84114007", Lab: "BNP", LOINC: "42637-9", Threshold: "400 pg/mL", GapMeds: "ACE inhibitor, ARB, or beta-blocker"},
	"Chronic Kidney Disease":   {Condition: "Chronic Kidney Disease", SNOMED: "40055000", Lab: "eGFR", LOINC: "33914-3", Threshold: "below 30 mL/min", GapMeds: "ACE inhibitor or ARB"},
}

// PresetNames returns the preset conditions sorted by name.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupPreset finds a preset by condition name, case-insensitively.
func LookupPreset(name string) (Preset, bool) {
	if p, ok := Presets[name]; ok {
		return p, true
	}
	for key, p := range Presets {
		if strings.EqualFold(key, strings.TrimSpace(name)) {
			return p, true
		}
	}
	return Preset{}, false
}

// CaseSummaryTask asks for a single-patient case summary.
func CaseSummaryTask(fhirURL, patientQuery string) string {
	if strings.TrimSpace(patientQuery) == "" {
		patientQuery = "first patient"
	}
	return fmt.Sprintf("Using the FHIR endpoint at %s, prepare a complete case summary for %s. "+
		"Query the Patient, Condition, Observation, and MedicationRequest endpoints. "+
		"Flag any abnormal lab values based on clinical reference ranges. "+
		"Write a Python script that does all of this and prints a formatted case summary.",
		fhirURL, patientQuery)
}

// GapAnalysisTask asks for a population quality-gap screen.
func GapAnalysisTask(fhirURL string, p Preset) string {
	return fmt.Sprintf("Using the FHIR endpoint at %s, find all patients with %s "+
		"(SNOMED code %s). For each patient, get their latest "+
		"%s (LOINC %s) and medication list. "+
		"Find patients with %s above %s "+
		"who are NOT on %s. "+
		"Write a Python script that builds a pandas DataFrame, identifies gap patients, "+
		"creates a histogram of the %s distribution (save as gap_chart.png), "+
		"and prints a summary with counts and percentages.",
		fhirURL, p.Condition, p.SNOMED, p.Lab, p.LOINC, p.Lab, p.Threshold, p.GapMeds, p.Lab)
}

// CustomQueryTask wraps a free-text question.
func CustomQueryTask(fhirURL, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	return fmt.Sprintf("Using the FHIR endpoint at %s, answer this clinical data question:\n\n"+
		"%s\n\n"+
		"Write a Python script that queries the relevant FHIR endpoints, "+
		"analyzes the data, creates any relevant visualizations (save as PNG), "+
		"and prints a clear summary.", fhirURL, question), nil
}
