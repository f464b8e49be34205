package worker

import (
	"context"
	"encoding/json"

	"runnerd/pkg/types"
)

// ToolExecutor is the external collaborator servicing reverse calls from the
// worker: the engine asks the host which tools exist and to run one mid
// generation.
type ToolExecutor interface {
	// Catalog returns the tool definitions available to the engine.
	Catalog(ctx context.Context) (json.RawMessage, error)
	// Execute runs one tool call and returns its result.
	Execute(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
}

// RegisterToolExecutor installs the collaborator servicing reverse calls.
// Without one, tool requests are answered with an error reply.
func (s *Supervisor) RegisterToolExecutor(t ToolExecutor) {
	s.mu.Lock()
	s.tools = t
	s.mu.Unlock()
}

// serveToolCall answers one worker-initiated request, relaying the result
// back on the same id. The id belongs to the worker's namespace and never
// touches the pending table.
func (s *Supervisor) serveToolCall(proc Proc, env types.Envelope) {
	s.mu.Lock()
	tools := s.tools
	s.mu.Unlock()

	reply := types.Envelope{ID: env.ID, Type: msgResponse}
	if tools == nil {
		reply.Error = "no tool executor registered"
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()

		var data json.RawMessage
		var err error
		switch env.Type {
		case msgToolCatalog:
			data, err = tools.Catalog(ctx)
		case msgToolExecute:
			data, err = tools.Execute(ctx, env.Data)
		}
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Success = true
			reply.Data = data
		}
	}

	if err := s.writeTo(proc, reply); err != nil {
		s.log.Warn().Err(err).Str("id", env.ID).Str("type", env.Type).Msg("failed to answer tool call")
	}
}
