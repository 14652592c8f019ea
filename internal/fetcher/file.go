package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/usage-ledger/internal/resilience"
)

// FileFetcher reads the export from a local file, for operator-supplied
// downloads and replays.
type FileFetcher struct {
	Path string
}

// NewFileFetcher creates a FileFetcher for path.
func NewFileFetcher(path string) *FileFetcher {
	return &FileFetcher{Path: path}
}

// Fetch reads the whole file.
func (f *FileFetcher) Fetch(ctx context.Context) (*Export, error) {
	if err := ctx.Err(); err != nil {
		return nil, resilience.E(resilience.KindFetch, "fetcher: read file", err)
	}
	if f.Path == "" {
		return nil, resilience.E(resilience.KindValidation, "fetcher: read file", eris.New("no source file configured"))
	}
	body, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, resilience.E(resilience.KindFetch, "fetcher: read file", eris.Wrapf(err, "read %s", f.Path))
	}

	abs, err := filepath.Abs(f.Path)
	if err != nil {
		abs = f.Path
	}
	ct := contentTypeFor(f.Path)
	return &Export{
		Body:        body,
		Headers:     map[string]string{"content-type": ct},
		SourceURL:   "file://" + filepath.ToSlash(abs),
		ContentType: ct,
		Method:      "file",
	}, nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return "application/json"
	default:
		return "text/csv"
	}
}
