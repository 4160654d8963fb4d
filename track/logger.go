package track

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// LogModel selects when checkpoints are uploaded as run artifacts.
type LogModel int

const (
	// LogModelOff never uploads checkpoints.
	LogModelOff LogModel = iota
	// LogModelFinal uploads checkpoints once, when the run finalizes.
	LogModelFinal
	// LogModelAll uploads new checkpoints as they are saved.
	LogModelAll
)

const loggerJoinChar = "-"

// metric names are restricted to this set; anything else is stripped
var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_/. -]+`)

// LoggerConfig configures a Logger.
type LoggerConfig struct {
	SaveDir        string // store root, default "./mlruns"
	ExperimentName string // default "default"
	RunName        string
	Tags           map[string]string
	Prefix         string // prepended to every metric name
	LogModel       LogModel
}

// Logger records hyperparameters, scalar metrics and checkpoint artifacts
// for one tracked run. The backing experiment and run are created lazily on
// first use.
type Logger struct {
	cfg   LoggerConfig
	store *Store

	expID       string
	runID       string
	initialized bool

	ckpt            *Checkpoint      // pending, uploaded on Finalize
	loggedModelTime map[string]int64 // path -> last uploaded write time
}

// NewLogger creates a Logger. An unusable store directory is a
// construction-time error, surfaced immediately.
func NewLogger(cfg LoggerConfig) (*Logger, error) {
	if cfg.SaveDir == "" {
		cfg.SaveDir = "./mlruns"
	}
	if cfg.ExperimentName == "" {
		cfg.ExperimentName = "default"
	}
	store, err := NewStore(cfg.SaveDir)
	if err != nil {
		return nil, err
	}

	return &Logger{
		cfg:             cfg,
		store:           store,
		loggedModelTime: make(map[string]int64),
	}, nil
}

// RunID returns the run id, creating the experiment and run if needed.
func (l *Logger) RunID() (string, error) {
	if err := l.init(); err != nil {
		return "", err
	}
	return l.runID, nil
}

// ExperimentID returns the experiment id, creating it if needed.
func (l *Logger) ExperimentID() (string, error) {
	if err := l.init(); err != nil {
		return "", err
	}
	return l.expID, nil
}

// Store exposes the underlying run store.
func (l *Logger) Store() *Store {
	return l.store
}

func (l *Logger) init() error {
	if l.initialized {
		return nil
	}

	expID, ok := l.store.GetExperimentByName(l.cfg.ExperimentName)
	if !ok {
		log.Printf("WARN: experiment %q not found, creating it", l.cfg.ExperimentName)
		var err error
		expID, err = l.store.CreateExperiment(l.cfg.ExperimentName)
		if err != nil {
			return err
		}
	}
	l.expID = expID

	runID, err := l.store.CreateRun(expID, l.cfg.RunName, l.cfg.Tags)
	if err != nil {
		return err
	}
	l.runID = runID
	l.initialized = true

	return nil
}

// LogHyperparams records hyperparameters. Nested maps are flattened with "/"
// joined keys; values are stringified and truncated to 250 characters.
func (l *Logger) LogHyperparams(params map[string]interface{}) error {
	if err := l.init(); err != nil {
		return err
	}

	flat := map[string]string{}
	flattenParams("", params, flat)

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := flat[k]
		if len(v) > 250 {
			v = v[:250]
		}
		if err := l.store.LogParam(l.runID, k, v); err != nil {
			return err
		}
	}

	return nil
}

// LogMetrics records scalar metrics for a step. Names are sanitized against
// the allowed character set with a warning; string values are discarded with
// a warning and do not affect the rest of the batch.
func (l *Logger) LogMetrics(metrics map[string]interface{}, step int64) error {
	if err := l.init(); err != nil {
		return err
	}

	timestamp := nowMillis()
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := toFloat(metrics[k])
		if !ok {
			log.Printf("WARN: discarding metric with non-numeric value %v=%v", k, metrics[k])
			continue
		}

		name := k
		if l.cfg.Prefix != "" {
			name = l.cfg.Prefix + loggerJoinChar + name
		}
		clean := invalidMetricChars.ReplaceAllString(name, "")
		if clean != name {
			log.Printf("WARN: metric names allow only alphanumerics, '_', '/', '.', '-' and ' '; replacing %q with %q", name, clean)
			name = clean
		}

		if err := l.store.LogMetric(l.runID, name, v, timestamp, step); err != nil {
			return err
		}
	}

	return nil
}

// LogArtifact uploads a local file under the run's artifact path.
func (l *Logger) LogArtifact(localPath, artifactPath string) error {
	if err := l.init(); err != nil {
		return err
	}
	return l.store.LogArtifact(l.runID, localPath, artifactPath)
}

// AfterSaveCheckpoint is called by the training loop whenever the checkpoint
// callback ran. Depending on the LogModel mode checkpoints are uploaded now
// or remembered for Finalize.
func (l *Logger) AfterSaveCheckpoint(ckpt *Checkpoint) error {
	switch l.cfg.LogModel {
	case LogModelAll:
		return l.scanAndLogCheckpoints(ckpt)
	case LogModelFinal:
		l.ckpt = ckpt
		// with an unbounded top-k no checkpoint is ever evicted, so
		// uploading during training loses nothing
		if ckpt.Config().SaveTopK == -1 {
			return l.scanAndLogCheckpoints(ckpt)
		}
	}
	return nil
}

// Finalize flushes pending checkpoint uploads and terminates the run.
// status is one of "success", "finished" or "failed".
func (l *Logger) Finalize(status string) error {
	if !l.initialized {
		return nil
	}

	switch status {
	case "success", "finished", "":
		status = "FINISHED"
	case "failed":
		status = "FAILED"
	}

	if l.ckpt != nil {
		if err := l.scanAndLogCheckpoints(l.ckpt); err != nil {
			return err
		}
	}

	return l.store.SetTerminated(l.runID, status)
}

// scanAndLogCheckpoints uploads every checkpoint not yet logged, together
// with a metadata document and an alias list.
func (l *Logger) scanAndLogCheckpoints(ckpt *Checkpoint) error {
	if err := l.init(); err != nil {
		return err
	}

	cfg := ckpt.Config()
	for _, c := range ckpt.Saved() {
		if t, ok := l.loggedModelTime[c.Path]; ok && t >= c.Time {
			continue
		}

		stem := strings.TrimSuffix(filepath.Base(c.Path), filepath.Ext(c.Path))
		artifactPath := fmt.Sprintf("model/checkpoints/%v", stem)

		if err := l.store.LogArtifact(l.runID, c.Path, artifactPath); err != nil {
			return err
		}

		metadata := map[string]interface{}{
			"score":             c.Score,
			"original_filename": filepath.Base(c.Path),
			"Checkpoint": map[string]interface{}{
				"monitor":    cfg.Monitor,
				"mode":       cfg.Mode,
				"save_top_k": cfg.SaveTopK,
				"save_last":  cfg.SaveLast,
			},
		}
		aliases := []string{"latest"}
		if c.Path == ckpt.BestModelPath() {
			aliases = append(aliases, "best")
		}

		tmpDir, err := ioutil.TempDir("", "ckpt-meta")
		if err != nil {
			return err
		}
		metaFile := filepath.Join(tmpDir, "metadata.yaml")
		if err := writeYAML(metaFile, metadata); err != nil {
			os.RemoveAll(tmpDir)
			return err
		}
		quoted := make([]string, len(aliases))
		for i, a := range aliases {
			quoted[i] = "'" + a + "'"
		}
		aliasFile := filepath.Join(tmpDir, "aliases.txt")
		if err := ioutil.WriteFile(aliasFile, []byte("["+strings.Join(quoted, ", ")+"]"), 0644); err != nil {
			os.RemoveAll(tmpDir)
			return err
		}
		if err := l.store.LogArtifact(l.runID, metaFile, artifactPath); err != nil {
			os.RemoveAll(tmpDir)
			return err
		}
		if err := l.store.LogArtifact(l.runID, aliasFile, artifactPath); err != nil {
			os.RemoveAll(tmpDir)
			return err
		}
		os.RemoveAll(tmpDir)

		l.loggedModelTime[c.Path] = c.Time
	}

	return nil
}

func flattenParams(prefix string, in map[string]interface{}, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "/" + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenParams(key, nested, out)
			continue
		}
		out[key] = fmt.Sprintf("%v", v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
