package overlay

import (
	"encoding/json"

	"github.com/taskforge/engine/pkg/models"
)

// EncodeMeta serializes a structured META record into an OverlayEvent
// payload. Encoding failures collapse to an empty payload rather than
// panicking: META records are best-effort diagnostics, not the audit path.
func EncodeMeta(rec models.MetaRecord) []byte {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	return b
}

// DecodeMetaKind extracts just the Kind discriminator from a META payload;
// used both internally (to detect whether a process_exit record has already
// been published for a topic) and by subscribers inspecting replayed events.
func DecodeMetaKind(payload []byte) (models.MetaKind, bool) {
	var rec models.MetaRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return "", false
	}
	return rec.Kind, rec.Kind != ""
}
