package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/msageha/taskvault/internal/adapter"
	"github.com/msageha/taskvault/internal/model"
)

const maxPostX = 280

var (
	emailToRe      = regexp.MustCompile(`\*\*To\*\*:\s*(.+)`)
	emailSubjectRe = regexp.MustCompile(`\*\*Subject\*\*:\s*(.+)`)
	targetRe       = regexp.MustCompile(`(?m)^target:\s*(.+)$`)
	postFieldRe    = regexp.MustCompile(`(?m)^\s*(?:post_text|content|draft):\s*(.+)$`)
	postSectionRe  = regexp.MustCompile(`(?m)^## (?:Post|Draft|Content)[^\n]*\n`)
)

// adapterCall is one adapter request derived from an approval.
type adapterCall struct {
	action  string
	params  map[string]any
	event   string
	details func(res *adapter.Result) map[string]any
}

// buildCall extracts the adapter action and parameters for an approved action from the
// approval text, which embeds the plan.
func buildCall(action model.ActionType, text string) adapterCall {
	switch action.Domain() {
	case model.DomainERP:
		return erpCall(action, text)
	case model.DomainSocial:
		return socialCall(action, text)
	default:
		return emailCall(action, text)
	}
}

func emailCall(action model.ActionType, text string) adapterCall {
	to := firstMatch(emailToRe, text)
	if to == "" {
		if t := firstMatch(targetRe, text); t != "" && t != "see-plan" {
			to = t
		}
	}
	if to == "" {
		to = "unknown"
	}
	subject := firstMatch(emailSubjectRe, text)
	if subject == "" {
		subject = "No Subject"
	}
	body := section(text, "**Body**:")
	return adapterCall{
		action: "send_email",
		params: map[string]any{
			"to":         to,
			"subject":    subject,
			"body":       body,
			"draft_only": action == model.ActionEmailDraft,
		},
		event: "email_dispatched",
		details: func(res *adapter.Result) map[string]any {
			return map[string]any{"to": to, "subject": subject, "message_id": res.RecordID}
		},
	}
}

var erpActions = map[model.ActionType]string{
	model.ActionOdooConfirm: "confirm_invoice",
	model.ActionOdooPayment: "confirm_payment",
}

func erpCall(action model.ActionType, text string) adapterCall {
	name := erpActions[action]
	data := erpData(text)
	return adapterCall{
		action: name,
		params: map[string]any{"data": data},
		event:  "odoo_dispatched",
		details: func(res *adapter.Result) map[string]any {
			return map[string]any{"action": name, "odoo_record_id": res.RecordID}
		},
	}
}

// erpData decodes the JSON object following "odoo_data:". A missing or malformed
// object yields an empty one.
func erpData(text string) map[string]any {
	i := strings.Index(text, "odoo_data:")
	if i < 0 {
		return map[string]any{}
	}
	rest := text[i+len("odoo_data:"):]
	start := strings.IndexByte(rest, '{')
	if start < 0 || strings.TrimSpace(rest[:start]) != "" {
		return map[string]any{}
	}
	var data map[string]any
	if err := json.NewDecoder(strings.NewReader(rest[start:])).Decode(&data); err != nil {
		return map[string]any{}
	}
	return data
}

func socialCall(action model.ActionType, text string) adapterCall {
	content := strings.Trim(firstMatch(postFieldRe, text), `"'`)
	if content == "" {
		content = postSection(text)
	}
	if content == "" {
		content = "No content"
	}
	if action == model.ActionPostX {
		content = truncateRunes(content, maxPostX)
	}
	return adapterCall{
		action: "post",
		params: map[string]any{"content": content},
		event:  "social_dispatched",
		details: func(res *adapter.Result) map[string]any {
			return map[string]any{"platform": string(action), "social_post_id": res.RecordID}
		},
	}
}

func firstMatch(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// section returns the text after the line containing label, up to the next "##"
// heading or "---" rule.
func section(text, label string) string {
	i := strings.Index(text, label)
	if i < 0 {
		return ""
	}
	rest := text[i+len(label):]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return ""
	}
	return untilBoundary(rest[nl+1:])
}

func postSection(text string) string {
	loc := postSectionRe.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	return untilBoundary(text[loc[1]:])
}

func untilBoundary(s string) string {
	end := len(s)
	for _, b := range []string{"\n##", "\n---"} {
		if j := strings.Index(s, b); j >= 0 && j < end {
			end = j
		}
	}
	return strings.TrimSpace(s[:end])
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
