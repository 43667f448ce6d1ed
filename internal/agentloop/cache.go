package agentloop

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/anthropics/coreengine/internal/corectx"
	"github.com/anthropics/coreengine/internal/safeio"
	"github.com/anthropics/coreengine/internal/transcript"
)

// writeToolCache persists output under the context's VFS tool-cache
// directory and returns a compact stub (URI + size + line count +
// preview) to deliver to the model in its place (spec §4.9 step 6,
// §6 "Environment variables" table's VFS cache path).
func writeToolCache(c *corectx.Context, output string, previewChars int) (string, error) {
	id := transcript.NewID()
	path := filepath.Join(c.Dir.ToolCacheDir(), id+".txt")
	if err := safeio.AtomicWrite(path, []byte(output), 0o644); err != nil {
		return "", err
	}

	lines := strings.Count(output, "\n") + 1
	preview := output
	if previewChars > 0 && len(preview) > previewChars {
		preview = preview[:previewChars]
	}
	uri := "cache://" + c.Name + "/" + id

	return fmt.Sprintf("%s (%d bytes, %d lines)\n%s", uri, len(output), lines, preview), nil
}
