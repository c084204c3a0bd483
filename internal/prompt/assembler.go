// Package prompt builds the system and user instructions sent to the model.
package prompt

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Reference section names, in the order they appear in the system instruction.
const (
	SectionFHIRBasics        = "fhir-basics"
	SectionClinicalKnowledge = "clinical-knowledge"
	SectionAnalysisMethods   = "analysis-methods"
)

// Disclaimer must close every generated analysis.
const Disclaimer = "For research and operational purposes only. Clinical decisions should be made by qualified clinicians."

type section struct {
	name    string
	heading string
}

var sections = []section{
	{SectionFHIRBasics, "FHIR Knowledge"},
	{SectionClinicalKnowledge, "Clinical Knowledge"},
	{SectionAnalysisMethods, "Analysis Methods"},
}

// ReferenceDocs maps a section name to its text. Missing sections are empty.
type ReferenceDocs map[string]string

// Get returns the section text or "".
func (d ReferenceDocs) Get(name string) string {
	if d == nil {
		return ""
	}
	return d[name]
}

// LoadReferenceDocs reads <dir>/<section>/SKILL.md for every known section.
// Unreadable or missing files yield an empty section.
func LoadReferenceDocs(dir string) ReferenceDocs {
	docs := make(ReferenceDocs, len(sections))
	for _, s := range sections {
		path := filepath.Join(dir, s.name, "SKILL.md")
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("⚠️ [PROMPT] Could not read %s: %v", path, err)
			}
			docs[s.name] = ""
			continue
		}
		docs[s.name] = string(data)
	}
	return docs
}

// Assemble combines the task instruction with the reference docs. The user
// instruction is the task itself.
func Assemble(taskInstruction string, docs ReferenceDocs) (system, user string) {
	var b strings.Builder
	b.WriteString("You are a clinical data analyst with expertise in FHIR APIs and healthcare quality measures.\n\n")
	for _, s := range sections {
		b.WriteString("# ")
		b.WriteString(s.heading)
		b.WriteString("\n")
		b.WriteString(docs.Get(s.name))
		b.WriteString("\n\n")
	}
	b.WriteString("When asked to analyze data, write complete, self-contained Python scripts that:\n")
	b.WriteString("- Use only requests, pandas, matplotlib, json (no other libraries)\n")
	b.WriteString("- Print all results clearly\n")
	b.WriteString("- Save any charts as PNG files in the current directory\n")
	b.WriteString("- Include sample sizes with every percentage\n")
	b.WriteString("- End with a plain-English summary\n")
	b.WriteString("- Add disclaimer: '" + Disclaimer + "'\n")
	b.WriteString("Return ONLY the Python code in a single ```python fenced block, no explanation before or after.")
	return b.String(), taskInstruction
}
