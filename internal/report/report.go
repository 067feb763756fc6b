// Package report renders and persists the status snapshot shown by the CLI.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mmcdole/pixmirror/internal/domain"
	"github.com/mmcdole/pixmirror/internal/service"
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Report is everything the status command shows
type Report struct {
	UpdatedAt time.Time           `json:"updated_at" yaml:"updated_at"`
	Sync      *service.SyncStatus `json:"sync,omitempty" yaml:"sync,omitempty"`
	Jobs      []service.JobState  `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Ledger    *domain.LedgerStats `json:"ledger,omitempty" yaml:"ledger,omitempty"`
	Live      bool                `json:"live" yaml:"live"` // ledger figures read now rather than from the saved file
}

// Save writes r as JSON to path, replacing any previous file atomically
func Save(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a report written by Save. A missing file yields an empty report.
func Load(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Report{}, nil
	}
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return r, nil
}

// Write encodes r to w in the requested format
func Write(w io.Writer, r Report, format string) error {
	switch strings.ToLower(format) {
	case "", FormatText:
		_, err := io.WriteString(w, RenderText(r))
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return CheckFormat(format)
	}
}

// Merge overlays next onto r. Sync state and ledger figures are replaced
// when next carries them and cycle histories are combined newest first.
// Job states are replaced per kind, keeping kinds next has never run.
func (r Report) Merge(next Report) Report {
	out := r
	if !next.UpdatedAt.IsZero() {
		out.UpdatedAt = next.UpdatedAt
	}
	if next.Sync != nil {
		sync := *next.Sync
		if r.Sync != nil {
			sync.History = mergeHistory(next.Sync.History, r.Sync.History)
		}
		out.Sync = &sync
	}
	if next.Ledger != nil {
		out.Ledger = next.Ledger
	}
	out.Live = next.Live

	jobs := make([]service.JobState, 0, len(r.Jobs)+len(next.Jobs))
	jobs = append(jobs, r.Jobs...)
	for _, j := range next.Jobs {
		if j.StartedAt.IsZero() && !j.Running {
			continue
		}
		replaced := false
		for i := range jobs {
			if jobs[i].Kind == j.Kind {
				jobs[i] = j
				replaced = true
				break
			}
		}
		if !replaced {
			jobs = append(jobs, j)
		}
	}
	out.Jobs = jobs
	return out
}

// mergeHistory combines two newest-first cycle histories, dropping cycles
// present in both
func mergeHistory(a, b []domain.CycleRecord) []domain.CycleRecord {
	out := make([]domain.CycleRecord, 0, len(a)+len(b))
	seen := make(map[int64]struct{}, len(a)+len(b))
	for _, list := range [][]domain.CycleRecord{a, b} {
		for _, c := range list {
			k := c.StartedAt.UnixNano()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// WriteJob encodes a single job state to w in the requested format
func WriteJob(w io.Writer, j service.JobState, format string) error {
	switch strings.ToLower(format) {
	case "", FormatText:
		var b strings.Builder
		renderJob(&b, j)
		_, err := io.WriteString(w, b.String())
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(j); err != nil {
			return err
		}
		return enc.Close()
	default:
		return CheckFormat(format)
	}
}

// CheckFormat fails with ErrInvalidConfig for an unknown output format
func CheckFormat(format string) error {
	switch strings.ToLower(format) {
	case "", FormatText, FormatJSON, FormatYAML:
		return nil
	}
	return fmt.Errorf("%w: unknown format %q (want text, json or yaml)", domain.ErrInvalidConfig, format)
}
