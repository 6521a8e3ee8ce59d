package storage

import (
	"fmt"
	"io"
	"os"

	parquet "github.com/parquet-go/parquet-go"

	"github.com/logforge/daemon/internal/schema"
)

// ReadFile reads back every record from a closed parquet file.
func ReadFile(path string) ([]schema.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	gr := parquet.NewGenericReader[schema.Record](file)
	defer func() {
		_ = gr.Close()
	}()

	out := make([]schema.Record, 0, gr.NumRows())
	batch := make([]schema.Record, 1024)
	for {
		n, err := gr.Read(batch)
		if n > 0 {
			out = append(out, batch[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// CountFile returns the row count of a closed parquet file from its
// footer, without materializing rows.
func CountFile(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return 0, fmt.Errorf("failed to open parquet file: %w", err)
	}

	return pf.NumRows(), nil
}
