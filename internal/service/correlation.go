package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Correlation keys tag each provider sub-request with enough information to
// map its result entry back to a lot. The current form embeds the job id;
// the legacy form (lot id only) predates a format change and must still
// resolve for in-flight jobs.
//
//	vision:<job_id>:<lot_id>      current vision key
//	vision:<lot_id>               legacy vision key
//	tr:<job_id>:<lot_id>:<lang>   current translation key
//	tr:<lot_id>:<lang>            legacy translation key

type Phase string

const (
	PhaseVision      Phase = "vision"
	PhaseTranslation Phase = "tr"
)

type CorrelationKey struct {
	Phase    Phase
	JobID    uuid.UUID // uuid.Nil for legacy keys
	LotID    string    // external subject id
	Language string    // translation keys only
}

func VisionKey(jobID uuid.UUID, lotID string) string {
	return fmt.Sprintf("%s:%s:%s", PhaseVision, jobID, lotID)
}

func TranslationKey(jobID uuid.UUID, lotID, lang string) string {
	return fmt.Sprintf("%s:%s:%s:%s", PhaseTranslation, jobID, lotID, lang)
}

// ParseCorrelationKey resolves both the current and the legacy key forms.
// External lot ids may themselves contain ':'; the job-id segment is
// disambiguated by parsing as a UUID.
func ParseCorrelationKey(key string) (CorrelationKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return CorrelationKey{}, fmt.Errorf("malformed correlation key %q", key)
	}

	switch Phase(parts[0]) {
	case PhaseVision:
		rest := parts[1:]
		if len(rest) >= 2 {
			if jobID, err := uuid.Parse(rest[0]); err == nil {
				return CorrelationKey{
					Phase: PhaseVision,
					JobID: jobID,
					LotID: strings.Join(rest[1:], ":"),
				}, nil
			}
		}
		// legacy: lot id only
		return CorrelationKey{
			Phase: PhaseVision,
			LotID: strings.Join(rest, ":"),
		}, nil

	case PhaseTranslation:
		rest := parts[1:]
		if len(rest) < 2 {
			return CorrelationKey{}, fmt.Errorf("malformed translation key %q", key)
		}
		lang := rest[len(rest)-1]
		body := rest[:len(rest)-1]
		if len(body) >= 2 {
			if jobID, err := uuid.Parse(body[0]); err == nil {
				return CorrelationKey{
					Phase:    PhaseTranslation,
					JobID:    jobID,
					LotID:    strings.Join(body[1:], ":"),
					Language: lang,
				}, nil
			}
		}
		// legacy: lot id + language only
		return CorrelationKey{
			Phase:    PhaseTranslation,
			LotID:    strings.Join(body, ":"),
			Language: lang,
		}, nil
	}

	return CorrelationKey{}, fmt.Errorf("unknown correlation key prefix in %q", key)
}
