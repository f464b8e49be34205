package estimate

import "github.com/rs/zerolog/log"

// OptimalContextSize caps a requested context length at what the model was
// trained for, scaled by the number of parallel sequences. Oversized requests
// are capped and logged, never rejected.
func OptimalContextSize(requested, trainingCtx, parallel int) int {
	if parallel < 1 {
		parallel = 1
	}
	if requested <= 0 {
		return trainingCtx * parallel
	}
	limit := trainingCtx * parallel
	if limit > 0 && requested > limit {
		log.Warn().
			Int("requested", requested).
			Int("training_ctx", trainingCtx).
			Int("parallel", parallel).
			Int("capped", limit).
			Msg("requested context exceeds training context, capping")
		return limit
	}
	return requested
}
