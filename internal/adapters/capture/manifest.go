package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
)

// ManifestPipeline is the development capture backend: it writes a
// manifest of the selected streams instead of encoding media. The
// state machine and storage flow around it are the real thing.
type ManifestPipeline struct {
	WorkDir string
}

func NewManifestPipeline(workDir string) (*ManifestPipeline, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("capture workdir: %w", err)
	}
	return &ManifestPipeline{WorkDir: workDir}, nil
}

type manifest struct {
	core.CaptureJob
	StartedAt time.Time `json:"startedAt"`
	StoppedAt time.Time `json:"stoppedAt"`
}

type handle struct {
	path    string
	m       manifest
	started time.Time
}

func (p *ManifestPipeline) Start(_ context.Context, job core.CaptureJob) (core.CaptureHandle, error) {
	path := filepath.Join(p.WorkDir, fmt.Sprintf("%s.%s", job.RecordingID, job.Format))
	log.Info().Str("module", "capture").
		Str("recording", string(job.RecordingID)).
		Int("streams", len(job.Streams)).
		Msg("capture started")
	return &handle{
		path:    path,
		m:       manifest{CaptureJob: job, StartedAt: time.Now()},
		started: time.Now(),
	}, nil
}

func (h *handle) Stop(_ context.Context) (core.CaptureResult, error) {
	h.m.StoppedAt = time.Now()
	data, err := json.MarshalIndent(h.m, "", "  ")
	if err != nil {
		return core.CaptureResult{}, err
	}
	if err := os.WriteFile(h.path, data, 0o644); err != nil {
		return core.CaptureResult{}, fmt.Errorf("write capture output: %w", err)
	}
	return core.CaptureResult{
		LocalRef: h.path,
		Duration: time.Since(h.started),
		FileSize: int64(len(data)),
	}, nil
}
