package surface

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveFilenameRFC5987(t *testing.T) {
	got := ResolveFilename(`attachment; filename*=UTF-8''report%20Q1.pdf`, "application/pdf", "s7")
	if got != "report Q1.pdf" {
		t.Errorf("got %q, want %q", got, "report Q1.pdf")
	}
}

func TestResolveFilenameQuoted(t *testing.T) {
	got := ResolveFilename(`attachment; filename="orders.csv"`, "text/csv", "s7")
	if got != "orders.csv" {
		t.Errorf("got %q", got)
	}
}

func TestResolveFilenameBare(t *testing.T) {
	got := ResolveFilename(`attachment; filename=export.xlsx`, "", "s7")
	if got != "export.xlsx" {
		t.Errorf("got %q", got)
	}
}

func TestResolveFilenameContentTypeFallback(t *testing.T) {
	got := ResolveFilename("", "application/pdf; charset=binary", "s7")
	if got != "s7.pdf" {
		t.Errorf("got %q, want s7.pdf", got)
	}
	got = ResolveFilename("", "application/x-mystery", "s7")
	if got != "s7.bin" {
		t.Errorf("got %q, want s7.bin", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{`../../etc/passwd`, "passwd"},
		{`re:po|rt?.pdf`, "re_po_rt_.pdf"},
		{`  `, "download"},
		{`..`, "download"},
		{`normal.txt`, "normal.txt"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCreateUniqueAppendsSuffix(t *testing.T) {
	dir := t.TempDir()

	f1, p1, err := CreateUnique(dir, "report.pdf")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	f1.Close()
	if filepath.Base(p1) != "report.pdf" {
		t.Errorf("first path = %q", p1)
	}

	f2, p2, err := CreateUnique(dir, "report.pdf")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	f2.Close()
	if filepath.Base(p2) != "report-1.pdf" {
		t.Errorf("second path = %q, want report-1.pdf", p2)
	}

	f3, p3, err := CreateUnique(dir, "report.pdf")
	if err != nil {
		t.Fatalf("third create: %v", err)
	}
	f3.Close()
	if filepath.Base(p3) != "report-2.pdf" {
		t.Errorf("third path = %q, want report-2.pdf", p3)
	}
}

func TestCreateUniqueMakesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "downloads")
	f, p, err := CreateUnique(dir, "a.txt")
	if err != nil {
		t.Fatalf("CreateUnique: %v", err)
	}
	f.Close()
	if _, err := os.Stat(p); err != nil {
		t.Errorf("stat %s: %v", p, err)
	}
}

func TestIsAttachment(t *testing.T) {
	if !IsAttachment(`attachment; filename="x.pdf"`) {
		t.Error("attachment disposition not detected")
	}
	if IsAttachment(`inline`) {
		t.Error("inline disposition misdetected")
	}
}

func TestLooksLikeDocument(t *testing.T) {
	if !LooksLikeDocument("https://x.example.com/reports/q1.pdf?dl=1") {
		t.Error("pdf url not detected")
	}
	if LooksLikeDocument("https://x.example.com/reports") {
		t.Error("plain url misdetected")
	}
}
