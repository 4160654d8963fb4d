package track

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/sugarme/gotch/nn"
)

// SavedCheckpoint describes one checkpoint file written by the callback.
type SavedCheckpoint struct {
	Time  int64 // write time, Unix ms
	Path  string
	Score float64
}

// CheckpointConfig configures a Checkpoint callback.
type CheckpointConfig struct {
	Dirpath  string // checkpoint directory, created on construction
	Monitor  string // metric name selecting checkpoints, e.g. "val/iou"
	Mode     string // "max" (default) or "min"
	SaveTopK int    // keep the k best checkpoints; -1 keeps all; 0 defaults to 1
	SaveLast bool   // additionally maintain last.ot
}

// Checkpoint persists model weights whenever the monitored metric improves
// the current top-k set, and tracks the best checkpoint path.
type Checkpoint struct {
	cfg   CheckpointConfig
	saved []SavedCheckpoint
	kept  []SavedCheckpoint // current top-k, unordered
	best  SavedCheckpoint
}

// NewCheckpoint creates a Checkpoint callback. Invalid mode or an
// uncreatable directory are construction-time errors.
func NewCheckpoint(cfg CheckpointConfig) (*Checkpoint, error) {
	if cfg.Monitor == "" {
		return nil, fmt.Errorf("track: checkpoint monitor metric not set")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = "max"
	case "max", "min":
	default:
		return nil, fmt.Errorf("track: checkpoint mode must be 'min' or 'max', got %q", cfg.Mode)
	}
	if cfg.SaveTopK == 0 {
		cfg.SaveTopK = 1
	}
	if cfg.Dirpath == "" {
		cfg.Dirpath = "checkpoint"
	}
	if err := os.MkdirAll(cfg.Dirpath, 0755); err != nil {
		return nil, err
	}

	return &Checkpoint{cfg: cfg}, nil
}

// Update evaluates the monitored metric for one epoch and saves a checkpoint
// when it ranks in the current top-k. It returns the written path, or ""
// when nothing was saved.
func (c *Checkpoint) Update(vs *nn.VarStore, epoch int, metrics map[string]float64) (string, error) {
	score, ok := metrics[c.cfg.Monitor]
	if !ok {
		log.Printf("WARN: checkpoint monitor %q not found in metrics, skipping save", c.cfg.Monitor)
		return "", nil
	}

	if c.cfg.SaveLast {
		if err := vs.Save(filepath.Join(c.cfg.Dirpath, "last.ot")); err != nil {
			return "", err
		}
	}

	if !c.ranks(score) {
		return "", nil
	}

	name := fmt.Sprintf("epoch-%03d-%s-%.4f.ot", epoch, sanitizeFilename(c.cfg.Monitor), score)
	path := filepath.Join(c.cfg.Dirpath, name)
	if err := vs.Save(path); err != nil {
		return "", err
	}

	saved := SavedCheckpoint{Time: nowMillis(), Path: path, Score: score}
	c.saved = append(c.saved, saved)
	c.kept = append(c.kept, saved)
	c.evict()

	if c.best.Path == "" || c.better(score, c.best.Score) {
		c.best = saved
	}

	return path, nil
}

// Saved returns every checkpoint written so far, oldest first. Evicted files
// are excluded.
func (c *Checkpoint) Saved() []SavedCheckpoint {
	out := make([]SavedCheckpoint, 0, len(c.saved))
	for _, s := range c.saved {
		if _, err := os.Stat(s.Path); err == nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })

	return out
}

// BestModelPath returns the path of the best checkpoint so far.
func (c *Checkpoint) BestModelPath() string {
	return c.best.Path
}

// BestScore returns the monitored score of the best checkpoint.
func (c *Checkpoint) BestScore() float64 {
	return c.best.Score
}

// Config returns the checkpoint policy.
func (c *Checkpoint) Config() CheckpointConfig {
	return c.cfg
}

func (c *Checkpoint) better(a, b float64) bool {
	if c.cfg.Mode == "min" {
		return a < b
	}
	return a > b
}

// ranks reports whether score belongs in the current top-k.
func (c *Checkpoint) ranks(score float64) bool {
	if c.cfg.SaveTopK < 0 || len(c.kept) < c.cfg.SaveTopK {
		return true
	}
	for _, s := range c.kept {
		if c.better(score, s.Score) {
			return true
		}
	}
	return false
}

// evict removes checkpoints beyond the top-k budget, worst first.
func (c *Checkpoint) evict() {
	if c.cfg.SaveTopK < 0 {
		return
	}
	for len(c.kept) > c.cfg.SaveTopK {
		worst := 0
		for i := 1; i < len(c.kept); i++ {
			if c.better(c.kept[worst].Score, c.kept[i].Score) {
				worst = i
			}
		}
		if err := os.Remove(c.kept[worst].Path); err != nil && !os.IsNotExist(err) {
			log.Printf("WARN: cannot remove checkpoint %v: %v", c.kept[worst].Path, err)
		}
		c.kept = append(c.kept[:worst], c.kept[worst+1:]...)
	}
}

func sanitizeFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
