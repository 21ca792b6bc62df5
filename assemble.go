package scantrans

import (
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Assembler produces one composite document from ordered per-page result
// artifacts.
type Assembler interface {
	Assemble(ctx context.Context, pages []string, outPath string) error
}

// pdfAssembler composes the per-page images back into a single PDF with
// pdfcpu. Each page keeps its source image's dimensions, and page order is
// the order of the pages argument.
type pdfAssembler struct{}

// NewPDFAssembler returns the default pdfcpu-backed Assembler.
func NewPDFAssembler() Assembler { return pdfAssembler{} }

func (pdfAssembler) Assemble(ctx context.Context, pages []string, outPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pages) == 0 {
		return fmt.Errorf("%w: no pages", ErrAssemblyFailed)
	}
	if err := api.ImportImagesFile(pages, outPath, nil, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrAssemblyFailed, err)
	}
	return nil
}
