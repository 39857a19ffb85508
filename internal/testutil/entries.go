package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/dirindex/core"
)

// Person builds an entry with the attributes most tests index.
func Person(id uint64, cn, sn string, extra ...string) *core.Entry {
	e := core.NewEntry(id).AddString("cn", cn).AddString("sn", sn).AddString("objectclass", "person")
	for i := 0; i+1 < len(extra); i += 2 {
		e.AddString(extra[i], extra[i+1])
	}
	return e
}

// ListFiles returns the regular files under dir, recursively.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// RequireNoFiles fails the test if dir still holds any regular file.
func RequireNoFiles(t *testing.T, dir string) {
	t.Helper()
	files, err := ListFiles(dir)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		t.Fatalf("list %s: %v", dir, err)
	}
	if len(files) > 0 {
		t.Fatalf("expected no files under %s, found %v", dir, files)
	}
}
