package track_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"github.com/ybricard/fccd/track"
)

func newTestVarStore() *nn.VarStore {
	vs := nn.NewVarStore(gotch.CPU)
	nn.NewLinear(vs.Root().Sub("fc"), 4, 2, nn.DefaultLinearConfig())

	return vs
}

func TestCheckpointTopK(t *testing.T) {
	vs := newTestVarStore()
	ckpt, err := track.NewCheckpoint(track.CheckpointConfig{
		Dirpath:  t.TempDir(),
		Monitor:  "val/iou",
		Mode:     "max",
		SaveTopK: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	scores := []float64{0.1, 0.3, 0.2, 0.5}
	for e, s := range scores {
		if _, err := ckpt.Update(vs, e, map[string]float64{"val/iou": s}); err != nil {
			t.Fatal(err)
		}
	}

	saved := ckpt.Saved()
	if len(saved) != 2 {
		t.Fatalf("expected 2 retained checkpoints, got %v", len(saved))
	}
	for _, s := range saved {
		if s.Score != 0.3 && s.Score != 0.5 {
			t.Errorf("unexpected retained score %v", s.Score)
		}
	}

	if got := ckpt.BestScore(); got != 0.5 {
		t.Fatalf("expected best score 0.5, got %v", got)
	}
	if _, err := os.Stat(ckpt.BestModelPath()); err != nil {
		t.Fatalf("best checkpoint file missing: %v", err)
	}
}

func TestCheckpointMinMode(t *testing.T) {
	vs := newTestVarStore()
	ckpt, err := track.NewCheckpoint(track.CheckpointConfig{
		Dirpath:  t.TempDir(),
		Monitor:  "val/loss",
		Mode:     "min",
		SaveTopK: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	for e, s := range []float64{0.9, 0.4, 0.6} {
		if _, err := ckpt.Update(vs, e, map[string]float64{"val/loss": s}); err != nil {
			t.Fatal(err)
		}
	}

	if got := ckpt.BestScore(); got != 0.4 {
		t.Fatalf("expected best score 0.4, got %v", got)
	}
	if saved := ckpt.Saved(); len(saved) != 1 || saved[0].Score != 0.4 {
		t.Fatalf("expected only the 0.4 checkpoint retained, got %+v", saved)
	}
}

func TestCheckpointMissingMonitor(t *testing.T) {
	vs := newTestVarStore()
	ckpt, err := track.NewCheckpoint(track.CheckpointConfig{
		Dirpath: t.TempDir(),
		Monitor: "val/iou",
	})
	if err != nil {
		t.Fatal(err)
	}

	path, err := ckpt.Update(vs, 0, map[string]float64{"train/loss": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	if path != "" {
		t.Fatalf("expected no save without monitored metric, got %v", path)
	}
}

func TestCheckpointBadMode(t *testing.T) {
	if _, err := track.NewCheckpoint(track.CheckpointConfig{
		Dirpath: t.TempDir(),
		Monitor: "val/iou",
		Mode:    "sideways",
	}); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestFinalModeUploadsEagerlyWithUnboundedTopK(t *testing.T) {
	vs := newTestVarStore()
	ckpt, err := track.NewCheckpoint(track.CheckpointConfig{
		Dirpath:  t.TempDir(),
		Monitor:  "val/iou",
		SaveTopK: -1,
	})
	if err != nil {
		t.Fatal(err)
	}

	logger, err := track.NewLogger(track.LoggerConfig{
		SaveDir:        t.TempDir(),
		ExperimentName: "eager-final",
		LogModel:       track.LogModelFinal,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ckpt.Update(vs, 0, map[string]float64{"val/iou": 0.4}); err != nil {
		t.Fatal(err)
	}
	if err := logger.AfterSaveCheckpoint(ckpt); err != nil {
		t.Fatal(err)
	}

	// nothing can be evicted with an unbounded top-k, so the upload
	// happens during training rather than waiting for Finalize
	runID, err := logger.RunID()
	if err != nil {
		t.Fatal(err)
	}
	artDir, err := logger.Store().ArtifactDir(runID)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := ioutil.ReadDir(filepath.Join(artDir, "model", "checkpoints"))
	if err != nil {
		t.Fatalf("expected checkpoint artifacts before Finalize: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 uploaded checkpoint before Finalize, got %v", len(entries))
	}
}

func TestFinalModeDefersWithBoundedTopK(t *testing.T) {
	vs := newTestVarStore()
	ckpt, err := track.NewCheckpoint(track.CheckpointConfig{
		Dirpath:  t.TempDir(),
		Monitor:  "val/iou",
		SaveTopK: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	logger, err := track.NewLogger(track.LoggerConfig{
		SaveDir:        t.TempDir(),
		ExperimentName: "deferred-final",
		LogModel:       track.LogModelFinal,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ckpt.Update(vs, 0, map[string]float64{"val/iou": 0.4}); err != nil {
		t.Fatal(err)
	}
	if err := logger.AfterSaveCheckpoint(ckpt); err != nil {
		t.Fatal(err)
	}

	runID, err := logger.RunID()
	if err != nil {
		t.Fatal(err)
	}
	artDir, err := logger.Store().ArtifactDir(runID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(artDir, "model", "checkpoints")); err == nil {
		t.Fatal("bounded top-k must defer uploads to Finalize")
	}

	if err := logger.Finalize("success"); err != nil {
		t.Fatal(err)
	}
	entries, err := ioutil.ReadDir(filepath.Join(artDir, "model", "checkpoints"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 uploaded checkpoint after Finalize, got %v", len(entries))
	}
}

func TestScanAndLogCheckpoints(t *testing.T) {
	vs := newTestVarStore()
	ckpt, err := track.NewCheckpoint(track.CheckpointConfig{
		Dirpath:  t.TempDir(),
		Monitor:  "val/iou",
		Mode:     "max",
		SaveTopK: -1,
	})
	if err != nil {
		t.Fatal(err)
	}

	logger, err := track.NewLogger(track.LoggerConfig{
		SaveDir:        t.TempDir(),
		ExperimentName: "ckpt-test",
		LogModel:       track.LogModelAll,
	})
	if err != nil {
		t.Fatal(err)
	}

	for e, s := range []float64{0.2, 0.7} {
		if _, err := ckpt.Update(vs, e, map[string]float64{"val/iou": s}); err != nil {
			t.Fatal(err)
		}
		if err := logger.AfterSaveCheckpoint(ckpt); err != nil {
			t.Fatal(err)
		}
	}

	runID, err := logger.RunID()
	if err != nil {
		t.Fatal(err)
	}
	artDir, err := logger.Store().ArtifactDir(runID)
	if err != nil {
		t.Fatal(err)
	}

	ckptRoot := filepath.Join(artDir, "model", "checkpoints")
	entries, err := ioutil.ReadDir(ckptRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 uploaded checkpoints, got %v", len(entries))
	}

	bestStem := strings.TrimSuffix(filepath.Base(ckpt.BestModelPath()), ".ot")
	for _, e := range entries {
		dir := filepath.Join(ckptRoot, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "metadata.yaml")); err != nil {
			t.Errorf("%v: metadata.yaml missing", e.Name())
		}
		aliases, err := ioutil.ReadFile(filepath.Join(dir, "aliases.txt"))
		if err != nil {
			t.Errorf("%v: aliases.txt missing", e.Name())
			continue
		}
		// alias list uses the Python-list form downstream consumers parse;
		// aliases reflect the state at upload time, so earlier checkpoints may
		// carry a stale 'best'
		if got := string(aliases); !strings.HasPrefix(got, "['latest'") {
			t.Errorf("%v: expected Python-list aliases starting with 'latest', got %q", e.Name(), got)
		}
		if e.Name() == bestStem {
			if got := string(aliases); got != "['latest', 'best']" {
				t.Errorf("best checkpoint %v: expected aliases \"['latest', 'best']\", got %q", e.Name(), got)
			}
		}

		meta, err := ioutil.ReadFile(filepath.Join(dir, "metadata.yaml"))
		if err != nil {
			continue
		}
		for _, key := range []string{"score", "original_filename", "monitor"} {
			if !strings.Contains(string(meta), key) {
				t.Errorf("%v: metadata.yaml missing %q field", e.Name(), key)
			}
		}
	}
}
