package render

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
)

// renderDPI is zoom 3.0 over the 72 DPI PDF base. High enough for the
// vision models to read dense tables and footnotes.
const renderDPI = 216

// Renderer implements PDF to image rendering using go-fitz. Pages are
// rendered one at a time so callers can report progress and cancel between
// pages.
type Renderer struct {
	doc       *fitz.Document
	imagesDir string
	log       *observability.Logger
}

// NewRenderer opens the PDF and prepares the images directory. The caller
// must Close the renderer when done.
func NewRenderer(sourcePath, imagesDir string, log *observability.Logger) (*Renderer, error) {
	validator := NewValidator(log)
	if err := validator.ValidatePDFPath(sourcePath); err != nil {
		return nil, err
	}

	doc, err := fitz.New(sourcePath)
	if err != nil {
		return nil, domain.RenderError("Failed to open PDF", err)
	}

	if doc.NumPage() == 0 {
		doc.Close()
		return nil, domain.ValidationError("PDF has no pages", nil)
	}

	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		doc.Close()
		return nil, domain.IOError("Failed to create images directory", err)
	}

	return &Renderer{
		doc:       doc,
		imagesDir: imagesDir,
		log:       log.WithComponent("render"),
	}, nil
}

// PageCount returns the number of pages in the open document
func (r *Renderer) PageCount() int {
	return r.doc.NumPage()
}

// RenderPage renders one 1-based page to a PNG file and returns it
func (r *Renderer) RenderPage(ctx context.Context, pageNumber int) (domain.PageImage, error) {
	select {
	case <-ctx.Done():
		return domain.PageImage{}, ctx.Err()
	default:
	}

	if pageNumber < 1 || pageNumber > r.doc.NumPage() {
		return domain.PageImage{}, domain.ValidationError(fmt.Sprintf("page %d out of range", pageNumber), nil)
	}

	img, err := r.doc.ImageDPI(pageNumber-1, renderDPI)
	if err != nil {
		return domain.PageImage{}, domain.RenderError(fmt.Sprintf("Failed to render page %d", pageNumber), err)
	}

	outputPath := filepath.Join(r.imagesDir, fmt.Sprintf("page_%04d.png", pageNumber))
	outputFile, err := os.Create(outputPath)
	if err != nil {
		return domain.PageImage{}, domain.IOError(fmt.Sprintf("Failed to create output file for page %d", pageNumber), err)
	}

	err = png.Encode(outputFile, img)
	outputFile.Close()
	if err != nil {
		return domain.PageImage{}, domain.RenderError(fmt.Sprintf("Failed to encode page %d as PNG", pageNumber), err)
	}

	bounds := img.Bounds()
	return domain.PageImage{
		PageNumber: pageNumber,
		Path:       outputPath,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	}, nil
}

// Close releases the document
func (r *Renderer) Close() error {
	if r.doc != nil {
		r.doc.Close()
		r.doc = nil
	}
	return nil
}
