package download

// planChunks splits [0, size) into contiguous chunks. The count is the
// configured concurrency, reduced so no chunk is smaller than minChunkSize
// and no chunk is empty; the last chunk absorbs the remainder.
func planChunks(size int64, maxChunks int, minChunkSize int64) []ChunkSpec {
	if size <= 0 {
		return nil
	}
	n := int64(maxChunks)
	if minChunkSize > 0 {
		if bySize := (size + minChunkSize - 1) / minChunkSize; bySize < n {
			n = bySize
		}
	}
	if n > size {
		n = size
	}
	if n < 1 {
		n = 1
	}

	chunkSize := size / n
	chunks := make([]ChunkSpec, n)
	for i := int64(0); i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize - 1
		if i == n-1 {
			end = size - 1
		}
		chunks[i] = ChunkSpec{Index: int(i), Start: start, End: end, Status: ChunkPending}
	}
	return chunks
}
