package download

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/spf13/afero"

	"github.com/modelget/modelget/pkg/client"
)

// verify checks the finished partial file against what the task expects.
func verify(fs afero.Fs, path string, task Task) (int64, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return 0, client.NewFileSystemError("stat "+path, err)
	}
	size := info.Size()
	if task.ExpectedSize > 0 && size != task.ExpectedSize {
		return size, client.NewIntegrityError("verify "+task.Dest, "size mismatch: expected %d bytes, got %d", task.ExpectedSize, size)
	}
	if task.SHA256 == "" {
		return size, nil
	}

	f, err := fs.Open(path)
	if err != nil {
		return size, client.NewFileSystemError("open "+path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return size, client.NewFileSystemError("read "+path, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, task.SHA256) {
		return size, client.NewIntegrityError("verify "+task.Dest, "sha256 mismatch: expected %s got %s", task.SHA256, sum)
	}
	return size, nil
}
