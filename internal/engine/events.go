package engine

import "github.com/cvforge/cvforge/internal/domain"

// eventTypeFor maps a job type and outcome onto the webhook bus event.
// Webhook delivery jobs emit nothing; fanning out delivery outcomes as
// events would feed the dispatcher its own output.
func eventTypeFor(t domain.JobType, succeeded bool) (domain.EventType, bool) {
	switch t {
	case domain.JobTypeParsing:
		if succeeded {
			return domain.EventParseCompleted, true
		}
		return domain.EventParseFailed, true
	case domain.JobTypeOptimization:
		if succeeded {
			return domain.EventOptimizeCompleted, true
		}
		return domain.EventOptimizeFailed, true
	case domain.JobTypeGeneration:
		if succeeded {
			return domain.EventGenerationCompleted, true
		}
		return domain.EventGenerationFailed, true
	case domain.JobTypeATS:
		if succeeded {
			return domain.EventATSCompleted, true
		}
		return domain.EventATSFailed, true
	}
	return "", false
}
