package scantrans

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageRenderer inspects and renders multi-page documents. PageCount must be
// cheap (structure only, no content rendering); RenderPages is called
// lazily, just before a document's units are dispatched, so a rejected
// batch never renders anything.
type PageRenderer interface {
	PageCount(path string) (int, error)
	RenderPages(ctx context.Context, path, dir string) ([]string, error)
}

// pdfRenderer renders with pdfcpu: pages are split into single-page
// documents and their embedded page images extracted. Scanned documents
// carry one full-page image per page, which is the input shape the remote
// service expects.
type pdfRenderer struct{}

// NewPDFRenderer returns the default pdfcpu-backed PageRenderer.
func NewPDFRenderer() PageRenderer { return pdfRenderer{} }

func (pdfRenderer) PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	return n, nil
}

func (pdfRenderer) RenderPages(ctx context.Context, path, dir string) ([]string, error) {
	workDir, err := os.MkdirTemp(dir, "pages-*")
	if err != nil {
		return nil, err
	}

	if err := api.SplitFile(path, workDir, 1, nil); err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}

	pagePDFs, err := filepath.Glob(filepath.Join(workDir, "*.pdf"))
	if err != nil {
		return nil, err
	}
	sortByPageNumber(pagePDFs)

	pages := make([]string, 0, len(pagePDFs))
	for _, pagePDF := range pagePDFs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		imgDir := strings.TrimSuffix(pagePDF, ".pdf") + ".img"
		if err := os.Mkdir(imgDir, 0o755); err != nil {
			return nil, err
		}
		if err := api.ExtractImagesFile(pagePDF, imgDir, nil, nil); err != nil {
			return nil, fmt.Errorf("extract page image: %w", err)
		}

		entries, err := os.ReadDir(imgDir)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("page %s has no extractable image", filepath.Base(pagePDF))
		}
		pages = append(pages, filepath.Join(imgDir, entries[0].Name()))
	}

	return pages, nil
}

// sortByPageNumber orders split output files by their numeric page suffix
// (name_1.pdf, name_2.pdf, ... name_10.pdf) rather than lexically.
func sortByPageNumber(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return pageSuffix(paths[i]) < pageSuffix(paths[j])
	})
}

func pageSuffix(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return 0
	}
	n := 0
	for _, r := range base[idx+1:] {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
