package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"clinicclaim-agent/internal/config"

	"github.com/rs/zerolog"
)

// Checkpoint names the moments worth a screenshot.
const (
	CheckpointLoginFailed  = "login_failed"
	CheckpointDialog       = "dialog"
	CheckpointFormNotFound = "form_not_found"
	CheckpointDraftFailed  = "draft_failed"
)

// ShotFunc captures the active page as PNG bytes.
type ShotFunc func() ([]byte, error)

// Checkpointer saves screenshots at failure checkpoints. Every path through
// it is best-effort: a diagnostic that cannot be taken never fails the run.
type Checkpointer struct {
	dir     string
	enabled bool
	shot    ShotFunc
	log     zerolog.Logger
}

func NewCheckpointer(cfg config.DiagConfig, shot ShotFunc, log zerolog.Logger) *Checkpointer {
	dir := cfg.ScreenshotDir
	if dir == "" {
		dir = "data/screenshots"
	}
	return &Checkpointer{
		dir:     dir,
		enabled: cfg.ScreenshotsEnabled(),
		shot:    shot,
		log:     log.With().Str("component", "diag").Logger(),
	}
}

// Capture writes one checkpoint screenshot and returns its path.
func (c *Checkpointer) Capture(checkpoint, patientID string) string {
	if !c.enabled || c.shot == nil {
		return ""
	}
	png, err := c.shot()
	if err != nil {
		c.log.Warn().Err(err).Str("checkpoint", checkpoint).Msg("screenshot capture")
		return ""
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.log.Warn().Err(err).Msg("screenshot dir")
		return ""
	}
	name := fmt.Sprintf("%s_%s_%d.png", checkpoint, patientID, time.Now().UnixMilli())
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("screenshot write")
		return ""
	}
	return path
}
