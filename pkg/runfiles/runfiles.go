package runfiles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File names inside a task working directory.
const (
	RunFile       = "run.json"
	HeartbeatFile = "run_heartbeat.json"
	ResultFile    = "run_result.json"
)

// Outcome is the terminal verdict an agent reports for its session.
type Outcome string

const (
	OutcomeComplete    Outcome = "complete"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeBlocked     Outcome = "blocked"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeComplete, OutcomeNeedsReview, OutcomeBlocked:
		return true
	}
	return false
}

// RunStatus is the coarse state of one execution attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAbandoned RunStatus = "abandoned"
)

// RunRecord marks the start of an execution attempt. Written when the lease
// is acquired, before the executor spawns; its status is finalized when the
// session ends or the task is reclaimed.
type RunRecord struct {
	TaskID         string            `json:"taskId"`
	ProjectID      string            `json:"projectId"`
	Agent          string            `json:"agentId"`
	CorrelationID  string            `json:"correlationId"`
	SessionID      string            `json:"sessionId,omitempty"`
	Status         RunStatus         `json:"status"`
	StartedAt      time.Time         `json:"startedAt"`
	LeaseExpiresAt time.Time         `json:"leaseExpiresAt"`
	ArtifactPaths  []string          `json:"artifactPaths,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Heartbeat is the liveness file an executor refreshes while working.
type Heartbeat struct {
	TaskID        string    `json:"taskId"`
	AgentID       string    `json:"agentId"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	BeatCount     int       `json:"beatCount"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Stale reports whether the heartbeat has lapsed. The file's own expiry
// wins; ttl is the fallback when an executor never filled it in.
func (h *Heartbeat) Stale(now time.Time, ttl time.Duration) bool {
	if h == nil {
		return false
	}
	if !h.ExpiresAt.IsZero() {
		return now.After(h.ExpiresAt)
	}
	if h.LastHeartbeat.IsZero() || ttl <= 0 {
		return false
	}
	return now.Sub(h.LastHeartbeat) > ttl
}

// TestSummary is the agent's test evidence, free-form but countable.
type TestSummary struct {
	Total  int    `json:"total"`
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Notes  string `json:"notes,omitempty"`
}

// RunResult is what an agent leaves behind when its session ends.
type RunResult struct {
	TaskID       string       `json:"taskId"`
	Agent        string       `json:"agentId,omitempty"`
	Outcome      Outcome      `json:"outcome"`
	SummaryRef   string       `json:"summaryRef,omitempty"`
	Deliverables []string     `json:"deliverables,omitempty"`
	Tests        *TestSummary `json:"tests,omitempty"`
	Blockers     []string     `json:"blockers,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	ReportedAt   time.Time    `json:"reportedAt,omitempty"`
}

// WriteRun persists run.json in the working directory.
func WriteRun(workDir string, r *RunRecord) error {
	return writeJSON(filepath.Join(workDir, RunFile), r)
}

// ReadRun loads run.json, nil without error when absent.
func ReadRun(workDir string) (*RunRecord, error) {
	var r RunRecord
	ok, err := readJSON(filepath.Join(workDir, RunFile), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// FinishRun stamps the run record with its final status. Missing run.json is
// not an error: the attempt may have been reclaimed before the record landed.
func FinishRun(workDir string, status RunStatus) error {
	r, err := ReadRun(workDir)
	if err != nil || r == nil {
		return err
	}
	r.Status = status
	return WriteRun(workDir, r)
}

// WriteHeartbeat persists run_heartbeat.json in the working directory.
func WriteHeartbeat(workDir string, h *Heartbeat) error {
	return writeJSON(filepath.Join(workDir, HeartbeatFile), h)
}

// ReadHeartbeat loads run_heartbeat.json, nil without error when absent.
func ReadHeartbeat(workDir string) (*Heartbeat, error) {
	var h Heartbeat
	ok, err := readJSON(filepath.Join(workDir, HeartbeatFile), &h)
	if err != nil || !ok {
		return nil, err
	}
	return &h, nil
}

// Beat refreshes the heartbeat file, bumping beatCount and pushing the
// expiry out by ttl.
func Beat(workDir, taskID, agentID string, now time.Time, ttl time.Duration) (*Heartbeat, error) {
	h, err := ReadHeartbeat(workDir)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &Heartbeat{TaskID: taskID, AgentID: agentID}
	}
	h.BeatCount++
	h.LastHeartbeat = now
	h.ExpiresAt = now.Add(ttl)
	if err := WriteHeartbeat(workDir, h); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteResult persists run_result.json in the working directory.
func WriteResult(workDir string, r *RunResult) error {
	return writeJSON(filepath.Join(workDir, ResultFile), r)
}

// ReadResult loads run_result.json, nil without error when absent.
func ReadResult(workDir string) (*RunResult, error) {
	var r RunResult
	ok, err := readJSON(filepath.Join(workDir, ResultFile), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// ClearResult removes a consumed run_result.json so a later session cannot
// be completed by a stale verdict.
func ClearResult(workDir string) error {
	err := os.Remove(filepath.Join(workDir, ResultFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// writeJSON writes v atomically: temp file in the same directory, fsync,
// rename over the target.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// readJSON loads path into v, reporting (false, nil) when the file is
// absent.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}
