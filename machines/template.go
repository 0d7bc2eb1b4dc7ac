package machines

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/projecteru2/core/log"
)

// tokenPattern matches <NAME> placeholders left in a rendered file.
var tokenPattern = regexp.MustCompile(`<[A-Z][A-Z0-9_]*>`)

// renderTemplate copies every file under templateDir into destDir,
// replacing each literal <NAME> token with its substitution value.
//
// Replacement is a single pass: substitution values are never re-scanned,
// so a JIT config containing "<FOO>" stays exactly that. Unknown tokens are
// left literal with a warning. All template files must be UTF-8 text.
func renderTemplate(ctx context.Context, templateDir, destDir string, substitutions map[string]string) error {
	logger := log.WithFunc("machines.renderTemplate")

	pairs := make([]string, 0, len(substitutions)*2)
	for name, value := range substitutions {
		pairs = append(pairs, "<"+name+">", value)
	}
	replacer := strings.NewReplacer(pairs...)

	return filepath.WalkDir(templateDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)

		if entry.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !entry.Type().IsRegular() {
			logger.Warnf(ctx, "ignoring non-regular template entry %s", path)
			return nil
		}

		content, err := os.ReadFile(path) //nolint:gosec // template dir from validated config
		if err != nil {
			return fmt.Errorf("read template file %s: %w", path, err)
		}

		rendered := replacer.Replace(string(content))

		for _, token := range tokenPattern.FindAllString(rendered, -1) {
			if _, known := substitutions[strings.Trim(token, "<>")]; !known {
				logger.Warnf(ctx, "template %s: unknown token %s left as-is", rel, token)
			}
		}

		if err := os.WriteFile(target, []byte(rendered), 0o640); err != nil {
			return fmt.Errorf("write rendered file %s: %w", target, err)
		}
		return nil
	})
}
