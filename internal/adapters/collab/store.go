package collab

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
)

// DirStore keeps recording artifacts on local disk, laid out by
// session. Swap for object storage in deployments that need it.
type DirStore struct {
	Root    string
	BaseURL string
}

func NewDirStore(root, baseURL string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact root: %w", err)
	}
	return &DirStore{Root: root, BaseURL: baseURL}, nil
}

func (d *DirStore) UploadArtifact(_ context.Context, localRef string, meta core.ArtifactMetadata) (core.Artifact, error) {
	key := filepath.Join(string(meta.SessionID), fmt.Sprintf("%s.%s", meta.RecordingID, meta.Format))
	dst := filepath.Join(d.Root, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return core.Artifact{}, err
	}

	// Rename when possible, copy across filesystems.
	if err := os.Rename(localRef, dst); err != nil {
		if err := copyFile(localRef, dst); err != nil {
			return core.Artifact{}, fmt.Errorf("store artifact: %w", err)
		}
		_ = os.Remove(localRef)
	}

	log.Info().Str("module", "collab").
		Str("recording", string(meta.RecordingID)).
		Str("key", key).
		Msg("artifact stored")
	return core.Artifact{
		URL: d.BaseURL + "/" + filepath.ToSlash(key),
		Key: key,
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
