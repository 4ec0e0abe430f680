package messagequeue

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/ForgeSync/internal/domain/change"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectChangeSubmitted:
		var ev change.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		return nil
	default:
		return nil
	}
}
