// Package templates embeds the files written into a new vault.
package templates

import "embed"

//go:embed config.yaml README.md agent_skills
var FS embed.FS
