package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
	"github.com/mmcdole/pixmirror/internal/service"
)

const timeLayout = "2006-01-02 15:04:05"

// RenderText renders r for a terminal
func RenderText(r Report) string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("pixmirror status"))
	if !r.UpdatedAt.IsZero() {
		b.WriteString(DimStyle.Render("  as of " + r.UpdatedAt.Local().Format(timeLayout)))
	}
	b.WriteString("\n")

	b.WriteString(SectionStyle.Render("Ledger"))
	b.WriteString("\n")
	if r.Ledger == nil {
		b.WriteString(DimStyle.Render("  unavailable"))
		b.WriteString("\n")
	} else {
		row(&b, "items", fmt.Sprint(r.Ledger.Items))
		row(&b, "parts", fmt.Sprint(r.Ledger.Parts))
		row(&b, "pending metadata", fmt.Sprint(r.Ledger.PendingMetadata))
	}

	b.WriteString(SectionStyle.Render("Sync"))
	b.WriteString("\n")
	if r.Sync == nil {
		b.WriteString(DimStyle.Render("  no cycles recorded"))
		b.WriteString("\n")
	} else {
		renderSync(&b, *r.Sync)
	}

	if len(r.Jobs) > 0 {
		b.WriteString(SectionStyle.Render("Jobs"))
		b.WriteString("\n")
		for _, j := range r.Jobs {
			renderJob(&b, j)
		}
	}
	return b.String()
}

func row(b *strings.Builder, label, value string) {
	b.WriteString("  ")
	b.WriteString(LabelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

func renderSync(b *strings.Builder, s service.SyncStatus) {
	state := IdleChar + " idle"
	if s.State == service.StateRunning {
		state = RunningStyle.Render(RunningChar + " running")
		if s.Holder != "" {
			state += DimStyle.Render(" (" + s.Holder + ")")
		}
	}
	row(b, "state", state)
	if s.PendingBackfill >= 0 {
		row(b, "pending backfill", fmt.Sprint(s.PendingBackfill))
	}
	if s.Current != nil {
		row(b, "current", cycleLine(*s.Current))
	}
	for i, c := range s.History {
		label := ""
		if i == 0 {
			label = "history"
		}
		row(b, label, cycleLine(c))
	}
}

func cycleLine(c domain.CycleRecord) string {
	mark := SuccessStyle.Render(OKChar)
	switch {
	case c.InFlight():
		mark = RunningStyle.Render(RunningChar)
	case c.Error != "" || c.Outcome.Failed > 0:
		mark = ErrorStyle.Render(FailChar)
	}
	o := c.Outcome
	line := fmt.Sprintf("%s #%d %s %s  scanned %d  downloaded %d  skipped %d  failed %d",
		mark, c.Number, c.Reason, c.StartedAt.Local().Format(timeLayout),
		o.Scanned, o.Downloaded, o.Skipped, o.Failed)
	if o.Recovered > 0 {
		line += fmt.Sprintf("  recovered %d", o.Recovered)
	}
	if c.Backfilled > 0 {
		line += fmt.Sprintf("  backfilled %d", c.Backfilled)
	}
	if !c.InFlight() {
		line += DimStyle.Render("  " + c.FinishedAt.Sub(c.StartedAt).Round(time.Second).String())
	}
	if c.Error != "" {
		line += "\n    " + ErrorStyle.Render(c.Error)
	}
	return line
}

func renderJob(b *strings.Builder, j service.JobState) {
	var status string
	switch {
	case j.Running:
		status = RunningStyle.Render(RunningChar + " running")
	case j.Error != "":
		status = ErrorStyle.Render(FailChar + " " + j.Error)
	case j.FinishedAt.IsZero():
		status = DimStyle.Render(IdleChar + " never run")
	default:
		status = SuccessStyle.Render(OKChar) + DimStyle.Render(" "+j.FinishedAt.Local().Format(timeLayout))
	}
	row(b, string(j.Kind), status)

	res := j.Last
	if j.Running {
		res = j.Progress
	}
	if res == nil {
		return
	}
	if detail := resultLine(*res); detail != "" {
		row(b, "", detail)
	}
}

func resultLine(r service.JobResult) string {
	switch {
	case r.VerifyFiles != nil:
		v := r.VerifyFiles
		return fmt.Sprintf("checked %d  missing %d  repaired %d  failed %d  finalized %d",
			v.Checked, v.Missing, v.Repaired, v.Failed, v.Finalized)
	case r.VerifyBookmarks != nil:
		v := r.VerifyBookmarks
		return fmt.Sprintf("scanned %d  newly downloaded %d  already present %d  failed %d",
			v.Scanned, v.NewlyDownloaded, v.AlreadyPresent, v.Failed)
	case r.FetchRecent != nil:
		v := r.FetchRecent
		line := fmt.Sprintf("processed %d  downloaded %d  skipped %d  failed %d",
			v.Processed, v.Downloaded, v.Skipped, v.Failed)
		if v.Latest != nil {
			line += fmt.Sprintf("  latest %d %q", v.Latest.ID, v.Latest.Title)
		}
		if v.NextCursor != "" {
			line += DimStyle.Render("  next " + v.NextCursor)
		}
		return line
	}
	return ""
}
