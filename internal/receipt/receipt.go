// Package receipt renders a human-readable summary of a created case as
// Markdown, HTML, or PDF.
package receipt

import (
	"fmt"
	"html"
	"path/filepath"
	"strings"
	"time"

	"github.com/joelkehle/case-intake/internal/caseintake"
	"github.com/joelkehle/case-intake/internal/ledger"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

type Summary struct {
	IntakeID       string
	MRN            string
	ProcedureType  string
	SurgeryDate    string
	Laterality     string
	Attending      string
	PatientID      int64
	PatientCreated bool
	EncounterID    int64
	ResearchCaseID int64
	CompletedAt    time.Time
}

func FromResult(res caseintake.Result, completedAt time.Time) Summary {
	f := res.Payload.Fields()
	s := Summary{
		IntakeID:       res.IntakeID,
		MRN:            f.MRN,
		ProcedureType:  res.ProcedureType,
		SurgeryDate:    f.EncounterDate.String(),
		PatientID:      res.PatientID,
		PatientCreated: res.PatientCreated,
		EncounterID:    res.EncounterID,
		ResearchCaseID: res.ResearchCaseID,
		CompletedAt:    completedAt,
	}
	if f.Laterality != nil {
		s.Laterality = *f.Laterality
	}
	if f.AttendingPhysician != nil {
		s.Attending = *f.AttendingPhysician
	}
	return s
}

// FromEntry rebuilds a summary from a journaled run. Only succeeded runs have
// a complete set of ids.
func FromEntry(e ledger.Entry) (Summary, error) {
	if e.Status != ledger.StatusSucceeded {
		return Summary{}, fmt.Errorf("intake %s is %s, not %s", e.IntakeID, e.Status, ledger.StatusSucceeded)
	}
	s := Summary{
		IntakeID:       e.IntakeID,
		MRN:            e.MRN,
		ProcedureType:  e.ProcedureType,
		SurgeryDate:    e.SurgeryDate,
		Laterality:     e.Laterality,
		Attending:      e.Attending,
		PatientID:      e.PatientID,
		PatientCreated: e.PatientCreated,
		EncounterID:    e.EncounterID,
		ResearchCaseID: e.ResearchCaseID,
	}
	if e.CompletedAt != nil {
		s.CompletedAt = *e.CompletedAt
	}
	return s, nil
}

func Markdown(s Summary) string {
	patient := "existing"
	if s.PatientCreated {
		patient = "new"
	}
	var b strings.Builder
	b.WriteString("# Surgical Case Intake\n\n")
	if !s.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "Recorded %s\n\n", s.CompletedAt.UTC().Format("January 2, 2006 at 15:04 MST"))
	}
	b.WriteString("| Field | Value |\n|---|---|\n")
	row := func(k, v string) {
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(&b, "| %s | %s |\n", k, cell(v))
	}
	row("MRN", s.MRN)
	row("Procedure", s.ProcedureType)
	row("Laterality", s.Laterality)
	row("Surgery date", s.SurgeryDate)
	row("Attending", s.Attending)
	row("Patient ID", fmt.Sprintf("%d (%s)", s.PatientID, patient))
	row("Encounter ID", fmt.Sprintf("%d", s.EncounterID))
	row("Research case ID", fmt.Sprintf("%d", s.ResearchCaseID))
	row("Intake", s.IntakeID)
	return b.String()
}

func cell(v string) string {
	v = strings.ReplaceAll(v, "|", `\|`)
	return strings.ReplaceAll(v, "\n", " ")
}

const styleCSS = `body{font-family:-apple-system,"Segoe UI",Helvetica,Arial,sans-serif;color:#1c1917;margin:0;padding:1.5rem;}
h1{font-size:1.4rem;margin:0 0 0.5rem;}
table{width:100%;border-collapse:collapse;border:1px solid #a8a29e;font-size:0.9rem;}
th,td{border:1px solid #a8a29e;padding:0.35rem 0.5rem;text-align:left;vertical-align:top;}
thead th{background:#f1f5f9;font-weight:700;}
html,body,*{-webkit-print-color-adjust:exact !important;print-color-adjust:exact !important;}`

// RenderHTML converts the summary Markdown into a standalone HTML page.
func RenderHTML(s Summary) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(Markdown(s)), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	title := "Case intake"
	if s.MRN != "" {
		title += " " + s.MRN
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>" + html.EscapeString(title) + "</title>" +
		"<style>" + styleCSS + "</style></head><body>" + content.String() + "</body></html>", nil
}

type Format string

const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

// FormatFor picks the output format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".html", ".htm":
		return FormatHTML, nil
	case ".pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported receipt extension %q (want .md, .html or .pdf)", filepath.Ext(path))
	}
}
