package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"runnerd/internal/cputopo"
	"runnerd/internal/estimate"
	"runnerd/pkg/types"
)

// Typed wrappers over Call/OpenStream, one per operation the worker serves.
// All of these fail fast with a worker-unavailable error while no worker is
// accepting calls.

// LocalModels lists models present on disk inside the worker's model dir.
func (s *Supervisor) LocalModels(ctx context.Context) ([]types.Model, error) {
	var out []types.Model
	return out, s.callJSON(ctx, opGetLocalModels, nil, &out)
}

// AvailableModels lists the remote catalog.
func (s *Supervisor) AvailableModels(ctx context.Context) ([]types.Model, error) {
	var out []types.Model
	return out, s.callJSON(ctx, opGetAvailable, nil, &out)
}

// SearchModels queries the remote catalog.
func (s *Supervisor) SearchModels(ctx context.Context, query string) ([]types.Model, error) {
	var out []types.Model
	payload := map[string]string{"query": query}
	return out, s.callJSON(ctx, opSearchModels, payload, &out)
}

// DownloadModel fetches one model, reporting progress through the callback.
// Runs under the extended timeout; downloads are long operations.
func (s *Supervisor) DownloadModel(ctx context.Context, id string, progress func(percent float64, speed string)) error {
	payload := map[string]string{"model": id}
	_, err := s.CallWithProgress(ctx, opDownloadModel, payload, s.cfg.DownloadTimeout, progress)
	return err
}

// CancelDownload asks the worker to abandon an in-flight download.
func (s *Supervisor) CancelDownload(ctx context.Context, id string) error {
	_, err := s.Call(ctx, opCancelDownload, map[string]string{"model": id}, 0)
	return err
}

// DownloadProgress polls the state of one download.
func (s *Supervisor) DownloadProgress(ctx context.Context, id string) (types.DownloadProgress, error) {
	var out types.DownloadProgress
	return out, s.callJSON(ctx, opDownloadProgress, map[string]string{"model": id}, &out)
}

// DeleteModel removes a local model file.
func (s *Supervisor) DeleteModel(ctx context.Context, id string) error {
	_, err := s.Call(ctx, opDeleteModel, map[string]string{"model": id}, 0)
	return err
}

// LoadModel loads a model into the engine with the given settings. Load and
// unload are never issued concurrently by the daemon.
func (s *Supervisor) LoadModel(ctx context.Context, req types.LoadModelRequest) error {
	_, err := s.Call(ctx, opLoadModel, req, s.cfg.DownloadTimeout)
	return err
}

// UnloadModel evicts the loaded model.
func (s *Supervisor) UnloadModel(ctx context.Context) error {
	_, err := s.Call(ctx, opUnloadModel, nil, 0)
	return err
}

// Generate runs one buffered completion.
func (s *Supervisor) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResult, error) {
	var out types.GenerateResult
	return out, s.callJSON(ctx, opGenerate, req, &out)
}

// GenerateStream starts a streamed completion. Fragments arrive via
// Stream.Recv; canceling ctx aborts generation on the worker.
func (s *Supervisor) GenerateStream(ctx context.Context, req types.GenerateRequest) (*Stream, error) {
	return s.OpenStream(ctx, opGenerateStream, req)
}

// SetModelSettings updates the per-model runtime knobs.
func (s *Supervisor) SetModelSettings(ctx context.Context, settings types.ModelSettings) error {
	_, err := s.Call(ctx, opSetModelSettings, settings, 0)
	return err
}

// ModelSettings reads the per-model runtime knobs.
func (s *Supervisor) ModelSettings(ctx context.Context) (types.ModelSettings, error) {
	var out types.ModelSettings
	return out, s.callJSON(ctx, opGetModelSettings, nil, &out)
}

// RuntimeInfo reports the worker's backend and accelerator inventory.
func (s *Supervisor) RuntimeInfo(ctx context.Context) (types.RuntimeInfo, error) {
	var out types.RuntimeInfo
	return out, s.callJSON(ctx, opGetRuntimeInfo, nil, &out)
}

// ModelStatus reports whether a model is loaded.
func (s *Supervisor) ModelStatus(ctx context.Context) (types.ModelStatus, error) {
	var out types.ModelStatus
	return out, s.callJSON(ctx, opGetModelStatus, nil, &out)
}

// OptimalSettings computes load settings for a model on this host: thread
// count from the CPU topology, GPU layer split and context size from the
// placement estimator. Purely host-side; the worker only sees the result as
// loadModel payload fields.
func OptimalSettings(shape types.ModelShape, accels []types.Accelerator, requestedCtx, parallel int) types.ModelSettings {
	topo := cputopo.Detect()
	ctx := estimate.OptimalContextSize(requestedCtx, shape.TrainingCtx, parallel)
	plan := estimate.LayerPlacement(accels, shape, estimate.Options{
		ContextSize: ctx,
		Parallel:    parallel,
	})
	return types.ModelSettings{
		ContextSize: ctx,
		GPULayers:   plan.LayersTotal,
		Threads:     estimate.OptimalThreadCount(topo),
		Parallel:    parallel,
	}
}

func (s *Supervisor) callJSON(ctx context.Context, op string, payload, out any) error {
	data, err := s.Call(ctx, op, payload, 0)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", op, err)
	}
	return nil
}
