package capture

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var errEmptyPDF = errors.New("pdf has no pages")

var disableConfigDir sync.Once

// pageCount parses data as a PDF and returns its page count.
func pageCount(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errEmptyPDF
	}
	disableConfigDir.Do(api.DisableConfigDir)

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("pdfcpu read: %w", err)
	}
	return ctx.PageCount, nil
}

func validatePDF(data []byte) error {
	n, err := pageCount(data)
	if err != nil {
		return err
	}
	if n < 1 {
		return errEmptyPDF
	}
	return nil
}
