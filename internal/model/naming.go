package model

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the sortable timestamp embedded in every artifact name.
const TimestampLayout = "20060102_150405"

const maxSlugLen = 40

// Task file prefixes, one per inbound source.
const (
	PrefixTask      = "TASK"
	PrefixEmail     = "EMAIL"
	PrefixScheduled = "SCHEDULED"
)

var (
	slugInvalidRe   = regexp.MustCompile(`[^a-z0-9]+`)
	nameTimestampRe = regexp.MustCompile(`\d{8}_\d{6}`)
)

func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Slugify lowercases s and collapses every run of non-alphanumerics into "-".
func Slugify(s string) string {
	slug := strings.Trim(slugInvalidRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "untitled"
	}
	return slug
}

// TaskFileName builds "<PREFIX>_<YYYYMMDD_HHMMSS>_<slug>.md". The timestamp precedes the
// slug so lexical order is arrival order.
func TaskFileName(prefix string, t time.Time, title string) string {
	return fmt.Sprintf("%s_%s_%s.md", prefix, Timestamp(t), Slugify(title))
}

// PlanFileName derives the plan name from the full task name, prefix included, so every
// run of a task maps to one plan artifact and no two tasks share one.
func PlanFileName(taskName string) string {
	return "Plan_" + Stem(taskName) + ".md"
}

func ApprovalFileName(t time.Time, action ActionType, taskName string) string {
	return fmt.Sprintf("APPROVE_%s_%s_%s.md", Timestamp(t), action, Slugify(Stem(taskName)))
}

// OdooDraftFileName names the local copy of an ERP plan.
func OdooDraftFileName(t time.Time, taskName string) string {
	return fmt.Sprintf("OdooDraft_%s_%s.md", Timestamp(t), Slugify(Stem(taskName)))
}

func AlertFileName(t time.Time, title string) string {
	return fmt.Sprintf("ALERT_%s_%s.md", Timestamp(t), Slugify(title))
}

func MultiStepFileName(taskName string) string {
	return Stem(taskName) + ".json"
}

// SuffixedName returns name for n <= 1 and "<stem>_NN<ext>" otherwise. The "_" sorts
// after "." so a suffixed name lists after the unsuffixed one, and the two-digit counter
// keeps later suffixes in order.
func SuffixedName(name string, n int) string {
	if n <= 1 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_%02d%s", strings.TrimSuffix(name, ext), n, ext)
}

// Stem strips the directory and extension from an artifact path.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseNameTimestamp extracts the first embedded timestamp from an artifact name.
func ParseNameTimestamp(name string) (time.Time, bool) {
	m := nameTimestampRe.FindString(filepath.Base(name))
	if m == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimestampLayout, m, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
