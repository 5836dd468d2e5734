// Package export renders a claim conversation into a downloadable
// transcript, either as standalone HTML or as PDF via headless Chrome.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Request contains parameters for a transcript export
type Request struct {
	ClaimID string
	Format  Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrUnsupportedFormat indicates the requested output format is unknown.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)
