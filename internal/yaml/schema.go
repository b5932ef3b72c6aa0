package yaml

import (
	"fmt"
	"os"
)

var validArtifactTypes = map[string]bool{
	"file_drop":     true,
	"email_inbound": true,
	"scheduled":     true,
	"plan":          true,
	"approval":      true,
	"alert":         true,
	"odoo_draft":    true,
}

// ArtifactHeader is the minimal header every typed vault artifact carries.
type ArtifactHeader struct {
	Type    string `yaml:"type"`
	Created string `yaml:"created"`
	Status  string `yaml:"status"`
}

// ValidateArtifactHeader reads path and checks its header type.
func ValidateArtifactHeader(path, expectedType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateArtifactHeaderFromBytes(content, expectedType)
}

// ValidateArtifactHeaderFromBytes checks that content carries a known type.
// An empty expectedType accepts any known type.
func ValidateArtifactHeaderFromBytes(content []byte, expectedType string) error {
	var header ArtifactHeader
	if _, err := Decode(content, &header); err != nil {
		return err
	}
	if header.Type == "" {
		return fmt.Errorf("missing type")
	}
	if !validArtifactTypes[header.Type] {
		return fmt.Errorf("unknown type: %q", header.Type)
	}
	if expectedType != "" && header.Type != expectedType {
		return fmt.Errorf("type mismatch: got %q, expected %q", header.Type, expectedType)
	}
	return nil
}
