package download

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

// pdfMagic is the leading signature of every PDF file.
var pdfMagic = []byte("%PDF")

// Verify checks that path is a non-empty file starting with the PDF signature and, when
// strict is set, that pdfcpu can parse its structure. It returns the file size.
func Verify(path string, strict bool) (int64, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the watched download dir.
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("%w: empty file", harvest.ErrIntegrity)
	}

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return 0, fmt.Errorf("%w: short file: %w", harvest.ErrIntegrity, err)
	}
	if !bytes.Equal(head, pdfMagic) {
		return 0, fmt.Errorf("%w: signature %q", harvest.ErrIntegrity, head)
	}

	if strict {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, fmt.Errorf("rewind artifact: %w", err)
		}
		conf := model.NewDefaultConfiguration()
		conf.ValidationMode = model.ValidationRelaxed
		if err := api.Validate(f, conf); err != nil {
			return 0, fmt.Errorf("%w: pdf structure: %w", harvest.ErrIntegrity, err)
		}
	}
	return info.Size(), nil
}
