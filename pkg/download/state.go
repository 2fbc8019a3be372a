package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/spf13/afero"
)

const stateVersion = 1

// chunkState is persisted next to a chunked .part file so a later call only
// fetches the chunks that did not finish.
type chunkState struct {
	Version     int         `json:"version"`
	Fingerprint uint64      `json:"fingerprint"`
	Size        int64       `json:"size"`
	Chunks      []ChunkSpec `json:"chunks"`
}

// planKey identifies a chunk layout of a specific remote file. A state file
// written for a different key is discarded.
type planKey struct {
	URL    string
	Size   int64
	ETag   string
	Bounds []int64
}

func fingerprint(url string, size int64, etag string, chunks []ChunkSpec) (uint64, error) {
	key := planKey{URL: url, Size: size, ETag: etag}
	for _, c := range chunks {
		key.Bounds = append(key.Bounds, c.Start, c.End)
	}
	return hashstructure.Hash(key, hashstructure.FormatV2, nil)
}

// loadState returns nil without error when no usable state exists.
func loadState(afs afero.Fs, path string) (*chunkState, error) {
	data, err := afero.ReadFile(afs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st chunkState
	if err := json.Unmarshal(data, &st); err != nil || st.Version != stateVersion {
		// Unreadable state just means starting over.
		return nil, nil
	}
	return &st, nil
}

func saveState(afs afero.Fs, path string, st *chunkState) error {
	st.Version = stateVersion
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding chunk state: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(afs, tmp, data, 0o644); err != nil {
		return err
	}
	return afs.Rename(tmp, path)
}

func removeState(afs afero.Fs, path string) error {
	if err := afs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func stateExists(afs afero.Fs, path string) bool {
	ok, _ := afero.Exists(afs, path)
	return ok
}
