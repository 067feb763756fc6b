package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mmcdole/pixmirror/internal/domain"
	"github.com/mmcdole/pixmirror/internal/service"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func cycle(n int, offset time.Duration) domain.CycleRecord {
	return domain.CycleRecord{
		Number:     n,
		Reason:     service.ReasonSchedule,
		StartedAt:  base.Add(offset),
		FinishedAt: base.Add(offset + time.Minute),
		Outcome:    domain.CycleOutcome{Scanned: 10, Downloaded: n},
	}
}

func sample() Report {
	return Report{
		UpdatedAt: base,
		Sync: &service.SyncStatus{
			State:   service.StateIdle,
			History: []domain.CycleRecord{cycle(2, time.Hour), cycle(1, 0)},
		},
		Jobs: []service.JobState{{
			Kind:       service.JobVerifyFiles,
			StartedAt:  base,
			FinishedAt: base.Add(time.Second),
			Last:       &service.JobResult{VerifyFiles: &service.VerifyFilesResult{Checked: 4, Missing: 1, Repaired: 1}},
		}},
		Ledger: &domain.LedgerStats{Items: 3, Parts: 4, PendingMetadata: 1},
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "status.json")

	empty, err := Load(path)
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if empty.Sync != nil || empty.Ledger != nil {
		t.Errorf("expected empty report, got %+v", empty)
	}

	if err := Save(path, sample()); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.UpdatedAt.Equal(base) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}
	if got.Sync == nil || len(got.Sync.History) != 2 || got.Sync.History[0].Number != 2 {
		t.Errorf("Sync = %+v", got.Sync)
	}
	if got.Ledger == nil || *got.Ledger != (domain.LedgerStats{Items: 3, Parts: 4, PendingMetadata: 1}) {
		t.Errorf("Ledger = %+v", got.Ledger)
	}
	if len(got.Jobs) != 1 || got.Jobs[0].Last.VerifyFiles.Checked != 4 {
		t.Errorf("Jobs = %+v", got.Jobs)
	}

	// no temp files are left next to the report
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the report file, found %d entries", len(entries))
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestMergeHistory(t *testing.T) {
	prev := sample()
	next := Report{
		UpdatedAt: base.Add(2 * time.Hour),
		Sync: &service.SyncStatus{
			State: service.StateIdle,
			// a later process restarts numbering; cycle 1 of this process
			// is newer than everything saved
			History: []domain.CycleRecord{cycle(1, 2*time.Hour), cycle(2, time.Hour)},
		},
	}

	got := prev.Merge(next)
	if !got.UpdatedAt.Equal(next.UpdatedAt) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}
	h := got.Sync.History
	if len(h) != 3 {
		t.Fatalf("history has %d cycles, want 3 with the duplicate dropped", len(h))
	}
	for i := 1; i < len(h); i++ {
		if h[i].StartedAt.After(h[i-1].StartedAt) {
			t.Errorf("history not newest first at %d", i)
		}
	}
	if got.Ledger == nil || got.Ledger.Items != 3 {
		t.Errorf("ledger stats should be kept when next has none, got %+v", got.Ledger)
	}
}

func TestMergeJobs(t *testing.T) {
	prev := sample()
	next := Report{Jobs: []service.JobState{
		{Kind: service.JobVerifyFiles}, // never ran in this process
		{Kind: service.JobFetchRecent, StartedAt: base, FinishedAt: base, Error: "boom"},
	}}

	got := prev.Merge(next)
	if len(got.Jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(got.Jobs))
	}
	if got.Jobs[0].Kind != service.JobVerifyFiles || got.Jobs[0].Last == nil {
		t.Errorf("verify-files state was overwritten: %+v", got.Jobs[0])
	}
	if got.Jobs[1].Kind != service.JobFetchRecent || got.Jobs[1].Error != "boom" {
		t.Errorf("fetch-recent = %+v", got.Jobs[1])
	}

	replaced := got.Merge(Report{Jobs: []service.JobState{{Kind: service.JobFetchRecent, Running: true}}})
	if len(replaced.Jobs) != 2 || !replaced.Jobs[1].Running {
		t.Errorf("running job should replace the saved one: %+v", replaced.Jobs)
	}
	if got.Jobs[1].Running {
		t.Error("Merge mutated its receiver")
	}
}

func TestWriteFormats(t *testing.T) {
	r := sample()

	var js bytes.Buffer
	if err := Write(&js, r, FormatJSON); err != nil {
		t.Fatal(err)
	}
	var decoded Report
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if decoded.Ledger.Parts != 4 {
		t.Errorf("decoded = %+v", decoded.Ledger)
	}

	var ym bytes.Buffer
	if err := Write(&ym, r, "YAML"); err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(ym.Bytes(), &doc); err != nil {
		t.Fatalf("yaml output: %v", err)
	}
	if _, ok := doc["ledger"]; !ok {
		t.Errorf("yaml output lacks ledger: %s", ym.String())
	}

	var txt bytes.Buffer
	if err := Write(&txt, r, ""); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Ledger", "pending metadata", "Sync", "history", "#2", "verify-files", "checked 4"} {
		if !strings.Contains(txt.String(), want) {
			t.Errorf("text output missing %q:\n%s", want, txt.String())
		}
	}

	if err := Write(&txt, r, "xml"); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("unknown format: %v", err)
	}
}

func TestRenderTextEmpty(t *testing.T) {
	out := RenderText(Report{})
	if !strings.Contains(out, "unavailable") || !strings.Contains(out, "no cycles recorded") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "Jobs") {
		t.Error("jobs section should be omitted when empty")
	}
}

func TestWriteJob(t *testing.T) {
	j := service.JobState{
		Kind:       service.JobFetchRecent,
		StartedAt:  base,
		FinishedAt: base,
		Last: &service.JobResult{FetchRecent: &service.FetchRecentResult{
			Processed:  2,
			Downloaded: 3,
			NextCursor: "abc",
			Latest:     &domain.ItemSummary{ID: 9, Title: "Dawn"},
		}},
	}

	var txt bytes.Buffer
	if err := WriteJob(&txt, j, FormatText); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"fetch-recent", "processed 2", `latest 9 "Dawn"`, "next abc"} {
		if !strings.Contains(txt.String(), want) {
			t.Errorf("missing %q in %q", want, txt.String())
		}
	}

	var js bytes.Buffer
	if err := WriteJob(&js, j, FormatJSON); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(js.String(), `"next_cursor": "abc"`) {
		t.Errorf("json = %s", js.String())
	}
}

func TestCheckFormat(t *testing.T) {
	for _, f := range []string{"", "text", "JSON", "yaml"} {
		if err := CheckFormat(f); err != nil {
			t.Errorf("CheckFormat(%q) = %v", f, err)
		}
	}
	if err := CheckFormat("csv"); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("CheckFormat(csv) = %v", err)
	}
}
