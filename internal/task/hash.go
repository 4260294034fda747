package task

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing"
)

// HashContent returns the git blob hash of data, the same value
// `git hash-object` prints for a file with that content.
func HashContent(data []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, data).String()
}

// HashFile hashes the file at rel under root. A missing file reports
// exists=false and no error.
func HashFile(root, rel string) (sum string, exists bool, err error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hash %s: %w", rel, err)
	}
	return HashContent(data), true, nil
}
