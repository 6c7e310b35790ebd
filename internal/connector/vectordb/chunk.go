package vectordb

import "github.com/rakunlabs/at/internal/sreerr"

// chunkText splits text into overlapping windows per the chunking law
// (spec §4.7): for length L, size s, overlap o (0 <= o < s), the chunk
// count is ceil((L-o)/(s-o)); the last chunk may be shorter.
func chunkText(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, sreerr.New(sreerr.InvalidArgument, "vectordb: chunkSize must be > 0")
	}
	if overlap < 0 || overlap >= size {
		return nil, sreerr.New(sreerr.InvalidArgument, "vectordb: chunkOverlap must satisfy 0 <= overlap < chunkSize")
	}
	if text == "" {
		return []string{""}, nil
	}

	stride := size - overlap
	var chunks []string
	for start := 0; start < len(text); start += stride {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks, nil
}
