package hub

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// gitIgnoreContent keeps intermediate checkpoints out of the published
// repository; only the final weights at the directory root are pushed.
const gitIgnoreContent = "step_*\nepoch_*\n"

// WriteGitIgnore writes the .gitignore of a fresh output repository. An
// existing file is left alone.
func WriteGitIgnore(outputDir string) error {
	path := filepath.Join(outputDir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(outputDir, 0777); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	return errors.Wrap(os.WriteFile(path, []byte(gitIgnoreContent), 0666), "writing .gitignore")
}
