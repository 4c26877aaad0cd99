package taskfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"

	"github.com/seldon-engine/aof/pkg/types"
)

var fence = []byte("---")

// Encode renders a task as a card: YAML header between --- fences, then a
// blank line, then the markdown body verbatim.
func Encode(t *types.Task) ([]byte, error) {
	header, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(fence)
	buf.WriteByte('\n')
	buf.Write(header)
	buf.Write(fence)
	buf.WriteByte('\n')
	if t.Body != "" {
		buf.WriteByte('\n')
		buf.WriteString(t.Body)
	}
	return buf.Bytes(), nil
}

// Decode parses a card produced by Encode (or edited by hand). Unknown
// header fields are preserved in Task.Extra. A missing body is fine; a
// missing or unterminated header fence is not.
func Decode(data []byte) (*types.Task, error) {
	header, body, err := splitCard(data)
	if err != nil {
		return nil, err
	}

	var t types.Task
	if err := yaml.Unmarshal(header, &t); err != nil {
		return nil, fmt.Errorf("parse task header: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	t.Body = string(body)
	return &t, nil
}

// splitCard separates the fenced YAML header from the body. The closing
// fence must be a line containing exactly "---"; the first blank line after
// it is a separator, not part of the body.
func splitCard(data []byte) (header, body []byte, err error) {
	if !bytes.HasPrefix(data, fence) {
		return nil, nil, fmt.Errorf("task card missing header fence: %w", errdefs.ErrInvalidArgument)
	}
	rest := data[len(fence):]
	if len(rest) == 0 || rest[0] != '\n' {
		return nil, nil, fmt.Errorf("task card missing header fence: %w", errdefs.ErrInvalidArgument)
	}
	rest = rest[1:]

	// Degenerate but legal: an empty header closed on the next line.
	if bytes.HasPrefix(rest, fence) && (len(rest) == len(fence) || rest[len(fence)] == '\n') {
		if len(rest) == len(fence) {
			return nil, nil, nil
		}
		body := rest[len(fence)+1:]
		if len(body) > 0 && body[0] == '\n' {
			body = body[1:]
		}
		return nil, body, nil
	}

	closing := []byte("\n---")
	offset := 0
	for {
		j := bytes.Index(rest[offset:], closing)
		if j < 0 {
			return nil, nil, fmt.Errorf("task card header fence not closed: %w", errdefs.ErrInvalidArgument)
		}
		headerEnd := offset + j
		lineEnd := headerEnd + 1 + len(fence)
		if lineEnd == len(rest) {
			// Fence at end of file, no body.
			return rest[:headerEnd+1], nil, nil
		}
		if rest[lineEnd] == '\n' {
			body := rest[lineEnd+1:]
			// A single blank separator line belongs to the format.
			if len(body) > 0 && body[0] == '\n' {
				body = body[1:]
			}
			return rest[:headerEnd+1], body, nil
		}
		// A line starting with --- but carrying more text (e.g. ----).
		offset = headerEnd + 1
	}
}

// BodyHash returns the content hash recorded in task headers. Bodies are
// hashed after trimming trailing whitespace so editor newline churn does
// not register as a change.
func BodyHash(body string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(body, " \t\n")))
	return "sha256:" + hex.EncodeToString(sum[:])
}
