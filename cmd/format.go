package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"corpusflow/internal/liveness"
	"corpusflow/internal/models"
	"corpusflow/internal/progress"

	"github.com/fatih/color"
)

func colorStatus(status models.JobStatus) string {
	switch status {
	case models.JobStatusCompleted:
		return color.GreenString(string(status))
	case models.JobStatusProcessing:
		return color.CyanString(string(status))
	case models.JobStatusPaused:
		return color.YellowString(string(status))
	case models.JobStatusError:
		return color.RedString(string(status))
	case models.JobStatusCancelled:
		return color.MagentaString(string(status))
	default:
		return string(status)
	}
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func formatScope(s models.Scope) string {
	switch s.Kind {
	case models.ScopeAll:
		return "all"
	case models.ScopeItems:
		ids := make([]string, 0, len(s.ItemIDs))
		for _, id := range s.ItemIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		return "items:" + strings.Join(ids, ",")
	default:
		return string(s.Kind) + ":" + s.Target
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatETA(p progress.Progress) string {
	if p.ETASeconds == nil {
		return "-"
	}
	return (time.Duration(*p.ETASeconds) * time.Second).Round(time.Second).String()
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// progressLine is the one-line summary used by watch and start.
func progressLine(job *models.Job, p progress.Progress, live liveness.Status) string {
	line := fmt.Sprintf("%s %-10s %5.1f%% %s %d/%d ok=%d failed=%d eta=%s",
		time.Now().Format("15:04:05"),
		colorStatus(job.Status),
		p.Percent,
		progressBar(p.Percent, 30),
		job.ProcessedUnits, job.TotalUnits,
		job.SucceededUnits, job.FailedUnits,
		formatETA(p))
	switch {
	case live.Stuck:
		line += " " + color.RedString("stuck")
	case live.Abandoned:
		line += " " + color.YellowString("no heartbeat")
	}
	if job.IsCancelling && !job.Status.IsTerminal() {
		line += " " + color.MagentaString("cancelling")
	}
	if note := derefString(job.Note); note != "" {
		line += " (" + note + ")"
	}
	if msg := derefString(job.ErrorMessage); msg != "" {
		line += " " + color.RedString(msg)
	}
	return line
}
