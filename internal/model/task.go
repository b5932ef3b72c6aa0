package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	yamlutil "github.com/msageha/taskvault/internal/yaml"
)

// Domain groups action types by the external dependency they call.
type Domain string

const (
	DomainNone     Domain = ""
	DomainEmail    Domain = "email"
	DomainERP      Domain = "erp"
	DomainSocial   Domain = "social"
	DomainInternal Domain = "internal"
)

var validDomains = map[Domain]bool{
	DomainEmail:    true,
	DomainERP:      true,
	DomainSocial:   true,
	DomainInternal: true,
}

func ParseDomain(s string) (Domain, bool) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	return d, validDomains[d]
}

// Keyword groups are checked in order; the first group with a match wins.
var domainKeywords = []struct {
	domain   Domain
	keywords []string
}{
	{DomainERP, []string{"odoo", "invoice", "payment", "erp"}},
	{DomainSocial, []string{"facebook", "instagram", "twitter", "post_x", "social", "linkedin"}},
	{DomainEmail, []string{"email", "gmail"}},
}

// DetectDomain classifies free text by keyword. It returns DomainNone when nothing matches.
func DetectDomain(text string) Domain {
	lower := strings.ToLower(text)
	for _, group := range domainKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return group.domain
			}
		}
	}
	return DomainNone
}

// TaskHeader is the structured header written by the inbound watchers.
type TaskHeader struct {
	Type     string `yaml:"type"`
	Source   string `yaml:"source,omitempty"`
	Subject  string `yaml:"subject,omitempty"`
	From     string `yaml:"from,omitempty"`
	Domain   string `yaml:"domain,omitempty"`
	Priority string `yaml:"priority,omitempty"`
	Created  string `yaml:"created"`
	Status   string `yaml:"status"`
}

const (
	TaskTypeFileDrop      = "file_drop"
	TaskTypeEmailInbound  = "email_inbound"
	TaskTypeScheduled     = "scheduled"
	TaskStatusPending     = "pending"
	TaskStatusQuarantined = "quarantined"
)

// Task is one unit of inbound work, identified by its file name.
type Task struct {
	Name    string
	Header  TaskHeader
	Body    string
	Content []byte
}

// ParseTask decodes a task artifact. A task without a header is still valid; its whole
// content becomes the body.
func ParseTask(name string, content []byte) (*Task, error) {
	t := &Task{Name: name, Content: content}
	body, err := yamlutil.Decode(content, &t.Header)
	if err != nil && !errors.Is(err, yamlutil.ErrNoFrontmatter) {
		return nil, fmt.Errorf("parse task %s: %w", name, err)
	}
	t.Body = body
	return t, nil
}

// Domain returns the declared domain, falling back to keyword detection over the
// whole artifact.
func (t *Task) Domain() Domain {
	if d, ok := ParseDomain(t.Header.Domain); ok {
		return d
	}
	return DetectDomain(string(t.Content))
}

// Created returns the header timestamp, or the one embedded in the file name.
func (t *Task) Created() time.Time {
	if ts, err := time.Parse(time.RFC3339, t.Header.Created); err == nil {
		return ts
	}
	ts, _ := ParseNameTimestamp(t.Name)
	return ts
}

// RenderTask produces a new task artifact.
func RenderTask(header TaskHeader, body string) ([]byte, error) {
	if header.Status == "" {
		header.Status = TaskStatusPending
	}
	return yamlutil.Encode(header, body)
}
