package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RandomTaskID returns a globally unique random task id.
func RandomTaskID() string {
	return uuid.NewString()
}

// DeterministicTaskID hashes the job name and canonicalised arguments so
// identical requests produce the same id. Kwargs key order is irrelevant:
// JSON object keys marshal in sorted order.
func DeterministicTaskID(name string, args []any, kwargs map[string]any) string {
	payload := struct {
		Name   string         `json:"name"`
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}{Name: name, Args: args, Kwargs: kwargs}

	data, err := json.Marshal(payload)
	if err != nil {
		// Arguments that do not canonicalise fall back to a best-effort
		// textual rendering so id generation never fails outright.
		data = fmt.Appendf(nil, "%s|%v|%v", name, args, kwargs)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
