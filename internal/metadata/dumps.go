package metadata

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

// DumpReader lists and reads persisted page dumps.
type DumpReader interface {
	ListObjects(ctx context.Context, prefix, pattern string) ([]string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Dump is the content of one persisted page file.
type Dump struct {
	Path  string
	Items []harvest.Record
}

// LoadDumps reads every page dump under prefix in lexical order. Unreadable or malformed
// files are logged and skipped.
func LoadDumps(ctx context.Context, reader DumpReader, prefix string, logger *zap.Logger) ([]Dump, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "metadata"
	}
	paths, err := reader.ListObjects(ctx, prefix, "*.json")
	if err != nil {
		return nil, fmt.Errorf("list dumps: %w", err)
	}

	dumps := make([]Dump, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return dumps, fmt.Errorf("load dumps: %w", err)
		}
		body, err := reader.GetObject(ctx, p)
		if err != nil {
			logger.Warn("Skipping unreadable dump", zap.String("path", p), zap.Error(err))
			continue
		}
		page, err := DecodePage(body, pageNumber(p))
		if err != nil {
			logger.Warn("Skipping malformed dump", zap.String("path", p), zap.Error(err))
			continue
		}
		if len(page.Items) == 0 {
			continue
		}
		dumps = append(dumps, Dump{Path: p, Items: page.Items})
	}
	logger.Info("Loaded metadata dumps", zap.Int("files", len(paths)), zap.Int("with_items", len(dumps)))
	return dumps, nil
}

// pageNumber extracts N from "{date}-N.json"; 0 when the name does not follow the layout.
func pageNumber(p string) int {
	base := strings.TrimSuffix(path.Base(p), ".json")
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(base[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
