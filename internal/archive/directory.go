// Package archive persists replicated streams as memory-mapped term segments and
// replays them. Per node the log directory holds one metadata file, one term
// index and one segment file per (stream, session, term).
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gatewaylog/internal/domain"
)

var (
	ErrCorruptMetadata = errors.New("archive: corrupt metadata")
	ErrNotFound        = errors.New("archive: not found")
	ErrOutOfRange      = errors.New("archive: position out of range")
	ErrIO              = errors.New("archive: io failure")
	ErrGap             = errors.New("archive: fragment beyond archived position")
)

const (
	metaDataFileName  = "archive.meta"
	termIndexFileName = "terms.idx"
	segmentSuffix     = ".log"
)

// LogDirectory derives archive file paths under one root directory.
type LogDirectory struct {
	root string
}

func NewLogDirectory(root string) LogDirectory { return LogDirectory{root: root} }

// ForNode places a node's archive under base.
func ForNode(base string, node domain.NodeID) LogDirectory {
	return LogDirectory{root: filepath.Join(base, fmt.Sprintf("node-%d", node))}
}

func (d LogDirectory) Root() string { return d.root }

func (d LogDirectory) Ensure() error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("%w: create log directory: %v", ErrIO, err)
	}
	return nil
}

func (d LogDirectory) MetaDataPath() string { return filepath.Join(d.root, metaDataFileName) }

func (d LogDirectory) TermIndexPath() string { return filepath.Join(d.root, termIndexFileName) }

func (d LogDirectory) SegmentPath(stream domain.StreamIdentifier, sessionID, termID int32) string {
	name := fmt.Sprintf("%s-%d-%d-%d%s", stream.FileSafeChannel(), stream.StreamID, sessionID, termID, segmentSuffix)
	return filepath.Join(d.root, name)
}
