package track

import (
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store is a file-backed experiment/run store. Layout mirrors a tracking
// server's local file backend:
//
//	<root>/<experimentID>/meta.yaml
//	<root>/<experimentID>/<runID>/meta.yaml
//	<root>/<experimentID>/<runID>/params/<key>
//	<root>/<experimentID>/<runID>/metrics/<key>
//	<root>/<experimentID>/<runID>/artifacts/...
type Store struct {
	root string
	runs map[string]string // runID -> run directory
}

type experimentMeta struct {
	ExperimentID string `yaml:"experiment_id"`
	Name         string `yaml:"name"`
}

type runMeta struct {
	RunID        string            `yaml:"run_id"`
	ExperimentID string            `yaml:"experiment_id"`
	RunName      string            `yaml:"run_name,omitempty"`
	Status       string            `yaml:"status"`
	StartTime    int64             `yaml:"start_time"`
	EndTime      int64             `yaml:"end_time,omitempty"`
	Tags         map[string]string `yaml:"tags,omitempty"`
}

// NewStore opens (creating if needed) a store rooted at dir. Failure to
// create the root is a construction-time error.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("track: store directory not set")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("track: cannot create store at %v: %w", dir, err)
	}

	return &Store{root: dir, runs: make(map[string]string)}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// GetExperimentByName returns the id of the named experiment, if present.
func (s *Store) GetExperimentByName(name string) (string, bool) {
	entries, err := ioutil.ReadDir(s.root)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var meta experimentMeta
		if err := readYAML(filepath.Join(s.root, e.Name(), "meta.yaml"), &meta); err != nil {
			continue
		}
		if meta.Name == name {
			return meta.ExperimentID, true
		}
	}

	return "", false
}

// CreateExperiment creates a new experiment and returns its id. Experiment
// ids are successive integers, matching the tracking-server convention.
func (s *Store) CreateExperiment(name string) (string, error) {
	var max int64
	entries, err := ioutil.ReadDir(s.root)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if n, err := strconv.ParseInt(e.Name(), 10, 64); err == nil && n > max {
			max = n
		}
	}

	id := strconv.FormatInt(max+1, 10)
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	meta := experimentMeta{ExperimentID: id, Name: name}
	if err := writeYAML(filepath.Join(dir, "meta.yaml"), meta); err != nil {
		return "", err
	}

	return id, nil
}

// CreateRun starts a run under the given experiment and returns its id.
func (s *Store) CreateRun(expID, runName string, tags map[string]string) (string, error) {
	runID := newRunID()
	dir := filepath.Join(s.root, expID, runID)
	for _, sub := range []string{"params", "metrics", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", err
		}
	}

	meta := runMeta{
		RunID:        runID,
		ExperimentID: expID,
		RunName:      runName,
		Status:       "RUNNING",
		StartTime:    nowMillis(),
		Tags:         tags,
	}
	if err := writeYAML(filepath.Join(dir, "meta.yaml"), meta); err != nil {
		return "", err
	}
	s.runs[runID] = dir

	return runID, nil
}

// LogParam records one hyperparameter value for the run. Params are
// write-once files named by key.
func (s *Store) LogParam(runID, key, value string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	fpath := filepath.Join(dir, "params", filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
		return err
	}

	return ioutil.WriteFile(fpath, []byte(value), 0644)
}

// LogMetric appends one scalar observation ("timestamp value step") to the
// run's metric history for key.
func (s *Store) LogMetric(runID, key string, value float64, timestamp, step int64) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	fpath := filepath.Join(dir, "metrics", filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(fpath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%v %v %v\n", timestamp, value, step)
	return err
}

// MetricHistory returns the recorded lines for a metric, oldest first.
func (s *Store) MetricHistory(runID, key string) ([]string, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadFile(filepath.Join(dir, "metrics", filepath.FromSlash(key)))
	if err != nil {
		return nil, err
	}

	return strings.Split(strings.TrimSpace(string(data)), "\n"), nil
}

// LogArtifact copies a local file into the run's artifact tree under
// artifactPath (a slash-separated directory).
func (s *Store) LogArtifact(runID, localPath, artifactPath string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	dstDir := filepath.Join(dir, "artifacts", filepath.FromSlash(artifactPath))
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dstDir, filepath.Base(localPath)))
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// ArtifactDir returns the artifact root of a run.
func (s *Store) ArtifactDir(runID string) (string, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "artifacts"), nil
}

// SetTerminated writes the run's terminal status and end time.
func (s *Store) SetTerminated(runID, status string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	metaPath := filepath.Join(dir, "meta.yaml")
	var meta runMeta
	if err := readYAML(metaPath, &meta); err != nil {
		return err
	}
	meta.Status = status
	meta.EndTime = nowMillis()

	return writeYAML(metaPath, meta)
}

func (s *Store) runDir(runID string) (string, error) {
	if dir, ok := s.runs[runID]; ok {
		return dir, nil
	}

	// cold lookup for runs created by an earlier process
	experiments, err := ioutil.ReadDir(s.root)
	if err != nil {
		return "", err
	}
	for _, e := range experiments {
		dir := filepath.Join(s.root, e.Name(), runID)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			s.runs[runID] = dir
			return dir, nil
		}
	}

	return "", fmt.Errorf("track: unknown run id %v", runID)
}

func newRunID() string {
	return fmt.Sprintf("%x%08x", nowMillis(), rand.Uint32())
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

func readYAML(path string, v interface{}) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}
