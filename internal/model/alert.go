package model

import (
	"fmt"
	"strings"
	"time"

	yamlutil "github.com/msageha/taskvault/internal/yaml"
)

const (
	SeverityCritical = "critical"
	AlertStatusOpen  = "open"
)

// Alert is an operator-visible failure report. Alerts are written once and never updated.
type Alert struct {
	Title       string
	Description string
	Component   string
	Remediation string
	Severity    string
	Created     time.Time
}

type alertHeader struct {
	Type      string    `yaml:"type"`
	Created   time.Time `yaml:"created"`
	Component string    `yaml:"component"`
	Severity  string    `yaml:"severity"`
	Status    string    `yaml:"status"`
}

// Render produces the alert artifact.
func (a Alert) Render() ([]byte, error) {
	severity := a.Severity
	if severity == "" {
		severity = SeverityCritical
	}
	var body strings.Builder
	created := a.Created.Truncate(time.Second)
	fmt.Fprintf(&body, "# Alert: %s\n\n", a.Title)
	fmt.Fprintf(&body, "**Component**: %s\n", a.Component)
	fmt.Fprintf(&body, "**Time**: %s\n\n", created.Format(time.RFC3339))
	fmt.Fprintf(&body, "## Description\n\n%s\n\n", a.Description)
	fmt.Fprintf(&body, "## Suggested Remediation\n\n%s\n", a.Remediation)
	return yamlutil.Encode(alertHeader{
		Type:      "alert",
		Created:   created,
		Component: a.Component,
		Severity:  severity,
		Status:    AlertStatusOpen,
	}, body.String())
}
