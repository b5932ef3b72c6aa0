package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

const delimiter = "---"

// ErrNoFrontmatter is returned when content does not open with a --- header block.
var ErrNoFrontmatter = errors.New("no frontmatter header")

// Split separates the leading frontmatter block from the body.
// ok is false when content has no complete header block.
func Split(content []byte) (header, body []byte, ok bool) {
	content = bytes.TrimPrefix(content, []byte("\ufeff"))
	if !bytes.HasPrefix(content, []byte(delimiter+"\n")) && !bytes.HasPrefix(content, []byte(delimiter+"\r\n")) {
		return nil, content, false
	}
	rest := content[bytes.IndexByte(content, '\n')+1:]

	offset := 0
	for offset <= len(rest) {
		end := bytes.IndexByte(rest[offset:], '\n')
		var line []byte
		if end < 0 {
			line = rest[offset:]
		} else {
			line = rest[offset : offset+end]
		}
		if string(bytes.TrimRight(line, "\r")) == delimiter {
			header = rest[:offset]
			if end < 0 {
				return header, nil, true
			}
			return header, rest[offset+end+1:], true
		}
		if end < 0 {
			break
		}
		offset += end + 1
	}
	return nil, content, false
}

// Decode unmarshals the frontmatter header into v and returns the body.
func Decode(content []byte, v any) (string, error) {
	header, body, ok := Split(content)
	if !ok {
		return string(content), ErrNoFrontmatter
	}
	if err := yamlv3.Unmarshal(header, v); err != nil {
		return string(body), fmt.Errorf("parse frontmatter: %w", err)
	}
	return string(body), nil
}

// Encode renders header as a frontmatter block followed by a blank line and body.
func Encode(header any, body string) ([]byte, error) {
	out, err := yamlv3.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(out)
	buf.WriteString(delimiter + "\n\n")
	buf.WriteString(body)
	if body != "" && !strings.HasSuffix(body, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// SetField sets key to value inside the header block without re-encoding the
// other lines. An existing top-level key is replaced in place; otherwise the
// line is appended at the end of the header. Content without a header is
// returned unchanged with ok=false.
func SetField(content []byte, key, value string) ([]byte, bool) {
	header, body, ok := Split(content)
	if !ok {
		return content, false
	}

	line := key + ": " + value
	lines := strings.Split(strings.TrimRight(string(header), "\n"), "\n")
	replaced := false
	for i, l := range lines {
		if strings.HasPrefix(l, key+":") {
			lines[i] = line
			replaced = true
			break
		}
	}
	if !replaced {
		if len(lines) == 1 && lines[0] == "" {
			lines[0] = line
		} else {
			lines = append(lines, line)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.WriteString(strings.Join(lines, "\n"))
	buf.WriteString("\n" + delimiter + "\n")
	buf.Write(body)
	return buf.Bytes(), true
}
