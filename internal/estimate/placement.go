package estimate

import (
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"runnerd/pkg/types"
)

const (
	// Attention head dimension assumed for KV sizing.
	headDim = 128
	// f16 key/value elements.
	kvBytesPerElement = 2
	// Per-layer weight estimate when the model declares no byte size.
	fallbackLayerSize = 512 << 20
	// Compute-graph scratch per context token, scaled by the
	// grouped-query-attention factor.
	graphBytesPerToken = 8 << 10
)

// Options tune a placement run.
type Options struct {
	// Context window to size the KV cache for. Falls back to the model's
	// training context when unset.
	ContextSize int
	// Parallel sequences sharing the context. Minimum 1.
	Parallel int
}

// Plan is the result of one placement run. Slices are index-aligned with the
// accelerator list passed in; the plan holds no reference to it.
type Plan struct {
	// Layers assigned per accelerator.
	Layers []int
	// Total layers placed across all accelerators.
	LayersTotal int
	// Bytes reserved per accelerator: weights + graph + KV cache.
	BytesUsed []uint64
	// Whether every layer of the model was placed.
	FullyLoaded bool
}

// kvCacheSize is the memory for attention key/value vectors across the whole
// context: key+value, per layer, per KV head. This must be reserved before
// any layer is placed; missing it surfaces as an OOM at inference time
// instead of at load time.
func kvCacheSize(shape types.ModelShape, ctx, parallel int) uint64 {
	kvHeads := shape.MinKVHeads
	if kvHeads <= 0 {
		kvHeads = shape.MaxHeads
	}
	if kvHeads <= 0 {
		kvHeads = 1
	}
	return 2 * uint64(shape.Layers) * uint64(kvHeads) * headDim *
		uint64(ctx) * uint64(parallel) * kvBytesPerElement
}

// graphSizes estimates the compute-graph scratch for partial and full
// offload. The graph grows with context length and the query-to-KV head
// ratio; a fully offloaded model keeps both input and output graphs resident,
// roughly doubling the partial cost. Flash attention halves the scratch.
func graphSizes(shape types.ModelShape, ctx int) (partial, full uint64) {
	gqa := 1
	if shape.MinKVHeads > 0 && shape.MaxHeads > shape.MinKVHeads {
		gqa = shape.MaxHeads / shape.MinKVHeads
	}
	partial = uint64(ctx) * uint64(gqa) * graphBytesPerToken
	if shape.FlashAttention {
		partial /= 2
	}
	return partial, 2 * partial
}

// LayerPlacement packs transformer layers onto accelerators, best effort.
// Layers are assigned back-to-front, each to the surviving accelerator with
// the most remaining headroom; ties break by accelerator order, first seen
// wins. Deterministic for a given input. A shortfall is not an error: the
// caller reads FullyLoaded and falls back to CPU for the remainder.
func LayerPlacement(accels []types.Accelerator, shape types.ModelShape, opts Options) Plan {
	plan := Plan{
		Layers:    make([]int, len(accels)),
		BytesUsed: make([]uint64, len(accels)),
	}
	if shape.Layers <= 0 {
		return plan
	}

	parallel := opts.Parallel
	if parallel < 1 {
		parallel = 1
	}
	ctx := OptimalContextSize(opts.ContextSize, shape.TrainingCtx, parallel)
	if ctx <= 0 {
		ctx = 2048
	}

	layerSize := uint64(0)
	if shape.SizeBytes > 0 {
		layerSize = shape.SizeBytes / uint64(shape.Layers)
	}
	if layerSize == 0 {
		layerSize = fallbackLayerSize
	}
	kv := kvCacheSize(shape, ctx, parallel)
	graphPartial, graphFull := graphSizes(shape, ctx)
	maxGraph := graphFull

	// An accelerator is viable only if it can hold the graph, the KV cache,
	// its reserve, and at least two layers' worth of weights.
	var viable []int
	for i, a := range accels {
		if a.FreeMemory >= a.MinimumReserve+2*layerSize+kv+maxGraph {
			viable = append(viable, i)
		}
	}
	if len(viable) == 0 {
		log.Warn().
			Int("accelerators", len(accels)).
			Str("layer_size", humanize.IBytes(layerSize)).
			Str("kv_cache", humanize.IBytes(kv)).
			Str("graph", humanize.IBytes(maxGraph)).
			Msg("no accelerator can host any layer, CPU-only plan")
		return plan
	}

	for layer := shape.Layers - 1; layer >= 0; layer-- {
		best := -1
		var bestHeadroom uint64
		for _, i := range viable {
			kvNeed := uint64(0)
			if plan.Layers[i] == 0 {
				kvNeed = kv
			}
			need := accels[i].MinimumReserve + plan.BytesUsed[i] + maxGraph + kvNeed + layerSize
			if accels[i].FreeMemory < need {
				continue
			}
			headroom := accels[i].FreeMemory - need
			if best == -1 || headroom > bestHeadroom {
				best = i
				bestHeadroom = headroom
			}
		}
		if best == -1 {
			break
		}
		plan.Layers[best]++
		plan.BytesUsed[best] += layerSize
		plan.LayersTotal++
	}
	plan.FullyLoaded = plan.LayersTotal == shape.Layers

	graph := graphPartial
	if plan.FullyLoaded {
		graph = graphFull
	}
	for i := range plan.Layers {
		if plan.Layers[i] > 0 {
			plan.BytesUsed[i] += graph + kv
		}
	}

	log.Debug().
		Int("layers_placed", plan.LayersTotal).
		Int("layers_total", shape.Layers).
		Bool("fully_loaded", plan.FullyLoaded).
		Ints("split", plan.Layers).
		Str("layer_size", humanize.IBytes(layerSize)).
		Str("kv_cache", humanize.IBytes(kv)).
		Str("graph", humanize.IBytes(graph)).
		Msg("layer placement computed")
	return plan
}
