package transfer

import (
	"os"

	"github.com/h2non/filetype"
)

// Extractor unpacks a completed download if it is a recognized archive.
// The default implementation only detects and reports; actual
// decompression is a pluggable concern a real deployment supplies.
type Extractor interface {
	// NeedsExtraction reports whether path looks like an archive that
	// should move the task into the Extracting state.
	NeedsExtraction(path string) (bool, error)
	// Extract unpacks path into destDir.
	Extract(path, destDir string) error
}

// SniffExtractor detects archives by magic number using filetype, and
// performs no unpacking itself (NoopExtractor semantics for Extract).
type SniffExtractor struct{}

func (SniffExtractor) NeedsExtraction(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, 261)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return false, nil
	}
	head = head[:n]

	kind, err := filetype.Match(head)
	if err != nil {
		return false, err
	}
	if kind == filetype.Unknown {
		return false, nil
	}
	switch kind.MIME.Value {
	case "application/zip", "application/x-rar-compressed", "application/x-7z-compressed", "application/gzip":
		return true, nil
	default:
		return false, nil
	}
}

// Extract is a no-op: archive-format-specific unpacking is outside the
// scope of the segmented transfer state machine, which only owns the
// Completed -> Extracting -> Completed transition.
func (SniffExtractor) Extract(path, destDir string) error {
	return nil
}
