package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ledongthuc/pdf"
)

// MaxFileSize is the largest file the backend accepts.
const MaxFileSize = 25_000_000

// AcceptedExtensions lists the file types the backend can ingest.
var AcceptedExtensions = []string{
	".pdf", ".txt", ".rst", ".md", ".zip", ".docx", ".json", ".csv",
	".html", ".epub", ".xlsx", ".pptx", ".png", ".jpeg", ".jpg",
}

// Preflight checks every path before an upload. It returns the first failure
// as a *PreflightError.
func Preflight(paths []string) error {
	if len(paths) == 0 {
		return &PreflightError{Path: "(none)", Reason: "no files given"}
	}
	for _, p := range paths {
		if err := checkFile(p); err != nil {
			return err
		}
	}
	return nil
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PreflightError{Path: path, Reason: "file does not exist"}
		}
		return &PreflightError{Path: path, Reason: err.Error()}
	}
	if !info.Mode().IsRegular() {
		return &PreflightError{Path: path, Reason: "not a regular file"}
	}
	if info.Size() > MaxFileSize {
		return &PreflightError{Path: path, Reason: fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), MaxFileSize)}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !slices.Contains(AcceptedExtensions, ext) {
		return &PreflightError{Path: path, Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}
	if ext == ".pdf" {
		return checkPDF(path)
	}
	return nil
}

func checkPDF(path string) (err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = &PreflightError{Path: path, Reason: fmt.Sprintf("unreadable PDF: %v", r)}
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return &PreflightError{Path: path, Reason: "unreadable PDF: " + err.Error()}
	}
	defer f.Close()

	if r.NumPage() == 0 {
		return &PreflightError{Path: path, Reason: "PDF has no pages"}
	}
	return nil
}
