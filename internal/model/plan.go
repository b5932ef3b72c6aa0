package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	yamlutil "github.com/msageha/taskvault/internal/yaml"
)

// ActionType names one side-effecting action a plan may request.
type ActionType string

const (
	ActionEmailSend     ActionType = "email_send"
	ActionEmailDraft    ActionType = "email_draft"
	ActionPostLinkedIn  ActionType = "post_linkedin"
	ActionPostFacebook  ActionType = "post_facebook"
	ActionPostInstagram ActionType = "post_instagram"
	ActionPostX         ActionType = "post_x"
	ActionOdooConfirm   ActionType = "odoo_confirm"
	ActionOdooPayment   ActionType = "odoo_payment"
)

// KnownActionTypes lists action types in the order they are recognised in plan text.
func KnownActionTypes() []ActionType {
	return []ActionType{
		ActionEmailSend,
		ActionEmailDraft,
		ActionPostLinkedIn,
		ActionPostFacebook,
		ActionPostInstagram,
		ActionPostX,
		ActionOdooConfirm,
		ActionOdooPayment,
	}
}

var actionDomains = map[ActionType]Domain{
	ActionEmailSend:     DomainEmail,
	ActionEmailDraft:    DomainEmail,
	ActionPostLinkedIn:  DomainSocial,
	ActionPostFacebook:  DomainSocial,
	ActionPostInstagram: DomainSocial,
	ActionPostX:         DomainSocial,
	ActionOdooConfirm:   DomainERP,
	ActionOdooPayment:   DomainERP,
}

// Adapter names used as keys of the adapters config section.
var actionAdapters = map[ActionType]string{
	ActionEmailSend:     "email",
	ActionEmailDraft:    "email",
	ActionPostFacebook:  "facebook",
	ActionPostInstagram: "instagram",
	ActionPostX:         "x",
	ActionOdooConfirm:   "odoo",
	ActionOdooPayment:   "odoo",
}

func (a ActionType) Known() bool {
	_, ok := actionDomains[a]
	return ok
}

func (a ActionType) Domain() Domain {
	return actionDomains[a]
}

// Adapter returns the adapter name serving a, or "" for manual actions.
func (a ActionType) Adapter() string {
	return actionAdapters[a]
}

// RequiresAPI reports whether dispatching a calls an external adapter.
// LinkedIn posts are published by hand once approved.
func (a ActionType) RequiresAPI() bool {
	return a.Adapter() != ""
}

// Plan is the agent's structured decision for one task.
type Plan struct {
	Objective      string
	Status         string
	TaskRef        string
	ActionRequired bool
	ActionTypes    []ActionType
	Domain         Domain
	Body           string
	Text           string
}

type planHeader struct {
	Objective      string `yaml:"objective"`
	Status         string `yaml:"status"`
	TaskRef        string `yaml:"task_ref"`
	ActionRequired any    `yaml:"action_required"`
	ActionType     any    `yaml:"action_type"`
	HITLType       any    `yaml:"hitl_type"`
	Domain         string `yaml:"domain"`
}

// ParsePlan reads the agent's plan text. Action types come from the action_type or
// hitl_type header (scalar or list); when neither names a known type, the text is
// scanned for known tokens. A plan that requires action but names none gets email_send.
func ParsePlan(text string) (*Plan, error) {
	var h planHeader
	body, err := yamlutil.Decode([]byte(text), &h)
	if err != nil {
		if errors.Is(err, yamlutil.ErrNoFrontmatter) {
			return nil, fmt.Errorf("plan has no header: %w", err)
		}
		return nil, err
	}

	p := &Plan{
		Objective:      h.Objective,
		Status:         h.Status,
		TaskRef:        h.TaskRef,
		ActionRequired: truthy(h.ActionRequired),
		Body:           body,
		Text:           text,
	}
	if d, ok := ParseDomain(h.Domain); ok {
		p.Domain = d
	}

	declared := append(actionList(h.ActionType), actionList(h.HITLType)...)
	p.ActionTypes = dedupeKnown(declared)
	if len(p.ActionTypes) == 0 {
		p.ActionTypes = scanActionTypes(text)
	}
	if p.ActionRequired && len(p.ActionTypes) == 0 {
		p.ActionTypes = []ActionType{ActionEmailSend}
	}
	if !p.ActionRequired {
		p.ActionTypes = nil
	}
	if p.Domain == DomainNone {
		p.Domain = DetectDomain(text)
	}
	return p, nil
}

// TouchesERP reports whether the plan concerns the ERP, by domain or by action.
func (p *Plan) TouchesERP() bool {
	if p.Domain == DomainERP {
		return true
	}
	for _, a := range p.ActionTypes {
		if a.Domain() == DomainERP {
			return true
		}
	}
	return false
}

type odooDraftHeader struct {
	Type    string `yaml:"type"`
	Created string `yaml:"created"`
	Source  string `yaml:"source"`
}

// RenderOdooDraft produces the local copy of an ERP plan for taskName.
func RenderOdooDraft(taskName string, created time.Time, planText string) ([]byte, error) {
	return yamlutil.Encode(odooDraftHeader{
		Type:    "odoo_draft",
		Created: created.Format(time.RFC3339),
		Source:  taskName,
	}, planText)
}

// ApprovalDomain is the domain recorded on approvals for action a.
func (p *Plan) ApprovalDomain(a ActionType) Domain {
	if d := a.Domain(); d != DomainNone {
		return d
	}
	if p.Domain != DomainNone {
		return p.Domain
	}
	return DomainInternal
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "yes", "true", "y", "1":
			return true
		}
	}
	return false
}

func actionList(v any) []string {
	switch x := v.(type) {
	case string:
		return strings.FieldsFunc(x, func(r rune) bool { return r == ',' || r == ' ' })
	case []any:
		var out []string
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func dedupeKnown(names []string) []ActionType {
	seen := make(map[ActionType]bool)
	var out []ActionType
	for _, n := range names {
		a := ActionType(strings.ToLower(strings.TrimSpace(n)))
		if !a.Known() || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func scanActionTypes(text string) []ActionType {
	var out []ActionType
	for _, a := range KnownActionTypes() {
		if strings.Contains(text, string(a)) {
			out = append(out, a)
		}
	}
	return out
}
