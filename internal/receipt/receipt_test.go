package receipt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joelkehle/case-intake/internal/ledger"
)

func sampleSummary() Summary {
	return Summary{
		IntakeID:       "5b0e",
		MRN:            "778899",
		ProcedureType:  "rotator-cuff",
		SurgeryDate:    "2024-03-01",
		Laterality:     "Right",
		Attending:      "Dr. Smith | Ortho",
		PatientID:      11,
		PatientCreated: true,
		EncounterID:    21,
		ResearchCaseID: 31,
		CompletedAt:    time.Date(2024, 3, 1, 14, 5, 0, 0, time.UTC),
	}
}

func TestMarkdownListsIDsAndEscapesCells(t *testing.T) {
	md := Markdown(sampleSummary())
	for _, want := range []string{
		"| MRN | 778899 |",
		"| Patient ID | 11 (new) |",
		"| Research case ID | 31 |",
		`| Attending | Dr. Smith \| Ortho |`,
		"Recorded March 1, 2024 at 14:05 UTC",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestMarkdownBlankFieldsUseDash(t *testing.T) {
	s := sampleSummary()
	s.Laterality = ""
	if !strings.Contains(Markdown(s), "| Laterality | - |") {
		t.Fatal("expected dash for blank laterality")
	}
}

func TestRenderHTMLProducesTable(t *testing.T) {
	doc, err := RenderHTML(sampleSummary())
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	if !strings.Contains(doc, "<table>") || !strings.Contains(doc, "<td>778899</td>") {
		t.Fatalf("expected GFM table in html, got: %s", doc)
	}
	if !strings.Contains(doc, "<title>Case intake 778899</title>") {
		t.Fatalf("unexpected title: %s", doc)
	}
}

type fakePDF struct{ got string }

func (f *fakePDF) RenderPDF(_ context.Context, htmlDoc string) ([]byte, error) {
	f.got = htmlDoc
	return []byte("%PDF-1.4"), nil
}

func TestWriteFilePicksFormatFromExtension(t *testing.T) {
	dir := t.TempDir()
	pdf := &fakePDF{}
	for _, name := range []string{"r.md", "r.html", "r.pdf"} {
		path := filepath.Join(dir, name)
		if err := WriteFile(context.Background(), path, sampleSummary(), pdf); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s written: %v", name, err)
		}
	}
	if !strings.HasPrefix(pdf.got, "<!doctype html>") {
		t.Fatalf("pdf renderer should receive html, got %q", pdf.got)
	}
	if err := WriteFile(context.Background(), filepath.Join(dir, "r.txt"), sampleSummary(), pdf); err == nil {
		t.Fatal("expected unsupported extension error")
	}
}

func TestFromEntryRequiresSuccess(t *testing.T) {
	done := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s, err := FromEntry(ledger.Entry{IntakeID: "x", Status: ledger.StatusSucceeded, MRN: "1", ResearchCaseID: 3, CompletedAt: &done})
	if err != nil {
		t.Fatalf("FromEntry: %v", err)
	}
	if s.MRN != "1" || s.ResearchCaseID != 3 || !s.CompletedAt.Equal(done) {
		t.Fatalf("unexpected summary %+v", s)
	}
	if _, err := FromEntry(ledger.Entry{IntakeID: "y", Status: ledger.StatusFailed}); err == nil {
		t.Fatal("expected failed entry to be rejected")
	}
}
