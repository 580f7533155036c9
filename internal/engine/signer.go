package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DefinitionSigner signs a submission by hashing its task type and
// compacted definition, so whitespace differences share a cache entry.
type DefinitionSigner struct{}

func (DefinitionSigner) Sign(s Submission) (string, error) {
	var buf bytes.Buffer
	if len(s.Definition) > 0 {
		if err := json.Compact(&buf, s.Definition); err != nil {
			return "", fmt.Errorf("compact definition: %w", err)
		}
	}
	h := sha256.New()
	h.Write([]byte(s.TaskType))
	h.Write([]byte{0})
	h.Write(buf.Bytes())
	return hex.EncodeToString(h.Sum(nil)), nil
}
