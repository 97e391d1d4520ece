package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"schoolscraper/pkg/models"
)

// ManifestDir is the sub-directory of the output directory holding manifests
const ManifestDir = "runs"

// RunManifest describes one job run. It is written next to the CSV artifact
// so a caller can see what was produced and re-run only the failed units.
type RunManifest struct {
	// Core identifiers
	RunID string          `json:"run_id"`
	State models.JobState `json:"state"`

	// Selection and settings
	Selection   []string `json:"selection"`
	Workers     int      `json:"workers"`
	MaxAttempts int      `json:"max_attempts"`

	// Timestamps
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   string    `json:"duration"`

	// Counters
	ProcessedUnits int `json:"processed_units"`
	SucceededUnits int `json:"succeeded_units"`
	SkippedUnits   int `json:"skipped_units"`
	RecordsWritten int `json:"records_written"`
	MalformedRows  int `json:"malformed_rows"`
	DetailsWritten int `json:"details_written"`
	DetailsFailed  int `json:"details_failed"`

	// Outputs and failures
	Files      []string            `json:"files"`
	Failed     []models.FailedUnit `json:"failed,omitempty"`
	FatalError string              `json:"fatal_error,omitempty"`
}

// FromSummary builds a manifest for a finished run
func FromSummary(s *models.Summary, files []string, workers, maxAttempts int) *RunManifest {
	return &RunManifest{
		RunID:          s.RunID,
		State:          s.State,
		Selection:      s.Selection,
		Workers:        workers,
		MaxAttempts:    maxAttempts,
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
		Duration:       s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String(),
		ProcessedUnits: s.ProcessedUnits,
		SucceededUnits: s.SucceededUnits,
		SkippedUnits:   s.SkippedUnits,
		RecordsWritten: s.RecordsWritten,
		MalformedRows:  s.MalformedRows,
		DetailsWritten: s.DetailsWritten,
		DetailsFailed:  s.DetailsFailed,
		Files:          files,
		Failed:         s.Failed,
		FatalError:     s.FatalError,
	}
}

// Path returns where the manifest for runID lives under outputDir
func Path(outputDir, runID string) string {
	return filepath.Join(outputDir, ManifestDir, "run-"+runID+".json")
}

// Save writes the manifest under outputDir and returns its path. The file
// is written to a temporary name and renamed into place.
func (m *RunManifest) Save(outputDir string) (string, error) {
	if _, err := uuid.Parse(m.RunID); err != nil {
		return "", fmt.Errorf("invalid run id %q: %w", m.RunID, err)
	}

	path := Path(outputDir, m.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move manifest into place: %w", err)
	}
	return path, nil
}

// Load reads a manifest file
func Load(path string) (*RunManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &m, nil
}

// Latest loads the most recently started run's manifest under outputDir.
// It returns nil without error when there is none.
func Latest(outputDir string) (*RunManifest, error) {
	matches, err := filepath.Glob(filepath.Join(outputDir, ManifestDir, "run-*.json"))
	if err != nil {
		return nil, err
	}

	var manifests []*RunManifest
	for _, path := range matches {
		m, err := Load(path)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	if len(manifests) == 0 {
		return nil, nil
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].StartedAt.After(manifests[j].StartedAt)
	})
	return manifests[0], nil
}

// FailedStates lists the states with failed units, for a targeted re-run
func (m *RunManifest) FailedStates() []string {
	s := models.Summary{Failed: m.Failed}
	return s.FailedStates()
}

// FailureSummary returns a one-line description of the failed units
func (m *RunManifest) FailureSummary(maxUnits int) string {
	if len(m.Failed) == 0 {
		return "none"
	}

	var parts []string
	for i, f := range m.Failed {
		if maxUnits > 0 && i == maxUnits {
			parts = append(parts, fmt.Sprintf("... %d more", len(m.Failed)-maxUnits))
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Unit, f.ErrorKind))
	}
	return strings.Join(parts, ", ")
}
