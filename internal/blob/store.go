// Package blob stores attachment payloads as flat files, keyed by a
// collision-safe filename recorded in the owning message. Partitioning never
// applies here; the store is shared by every conversation.
package blob

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store writes attachment bytes under type-specific directories (images/,
// videos/, files/) below a single root.
type Store struct {
	logger *zap.SugaredLogger
	root   string
}

// New creates the type directories under root if missing.
func New(logger *zap.SugaredLogger, root string) (*Store, error) {
	for _, d := range []string{"images", "videos", "files"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, err
		}
	}

	return &Store{
		logger: logger,
		root:   root,
	}, nil
}

// dirFor maps a message type onto its directory. Unknown types fall back to
// files/, matching how generic documents are stored.
func dirFor(msgType string) string {
	switch msgType {
	case "image":
		return "images"
	case "video":
		return "videos"
	default:
		return "files"
	}
}

// Path returns the absolute location of a stored attachment.
func (s *Store) Path(msgType, name string) string {
	return filepath.Join(s.root, dirFor(msgType), filepath.Base(name))
}

// Save writes an attachment payload. The name must already be collision-safe;
// only its base component is used so a crafted name can not escape the store.
func (s *Store) Save(msgType, name string, data []byte) error {
	path := s.Path(msgType, name)

	if err := ioutil.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	s.logger.Debugf("Stored attachment %s (%d bytes)", path, len(data))

	return nil
}

// Remove deletes the backing file of an attachment. A file that is already
// gone is not an error.
func (s *Store) Remove(msgType, name string) error {
	path := s.Path(msgType, name)

	err := os.Remove(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	s.logger.Debugf("Removed attachment %s", path)

	return nil
}
