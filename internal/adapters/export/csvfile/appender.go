// Package csvfile appends exported rows to one CSV file per sheet.
package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tjfontaine/replywatch/internal/core/ports"
)

type Appender struct {
	dir string
	mu  sync.Mutex
}

var _ ports.RowAppender = (*Appender)(nil)

// New creates dir if needed.
func New(dir string) (*Appender, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}
	return &Appender{dir: dir}, nil
}

// Path returns the file backing sheet.
func (a *Appender) Path(sheet string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, sheet)
	return filepath.Join(a.dir, name+".csv")
}

// AppendRows writes header first when the file is new or empty.
func (a *Appender) AppendRows(ctx context.Context, sheet string, header []string, rows [][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.Path(sheet), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open sheet %s: %w", sheet, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat sheet %s: %w", sheet, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 && len(header) > 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return nil
}
