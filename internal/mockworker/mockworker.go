// Package mockworker speaks the runnerd worker protocol without an inference
// engine behind it: canned model catalog, fake downloads with progress, and
// word-by-word streamed generation that honors aborts. It backs the
// cmd/mockworker binary for local development and the in-process end-to-end
// tests.
package mockworker

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"runnerd/pkg/types"
)

// Catalog is the canned model inventory; the first entry reports as local.
var Catalog = []types.Model{
	{ID: "tinyllama-1.1b-q4", Name: "TinyLlama 1.1B", SizeBytes: 668 << 20, Quant: "Q4_K_M", Family: "llama"},
	{ID: "phi-3-mini-q4", Name: "Phi-3 Mini", SizeBytes: 2300 << 20, Quant: "Q4_K_M", Family: "phi"},
	{ID: "mistral-7b-q5", Name: "Mistral 7B", SizeBytes: 5100 << 20, Quant: "Q5_K_M", Family: "mistral"},
}

// Server serves one protocol session. Zero value delays are replaced with
// human-scale defaults suited to manual runs; tests set them near zero.
type Server struct {
	// ChunkDelay is the pause before each streamed token.
	ChunkDelay time.Duration
	// ProgressDelay is the pause between download progress frames.
	ProgressDelay time.Duration

	mu     sync.Mutex
	out    *json.Encoder
	loaded string
	config types.ModelSettings

	abortMu sync.Mutex
	aborts  map[string]chan struct{}
}

func New() *Server {
	return &Server{
		ChunkDelay:    50 * time.Millisecond,
		ProgressDelay: 200 * time.Millisecond,
		aborts:        map[string]chan struct{}{},
	}
}

// Serve reads request frames from r until EOF, writing replies to w. Requests
// are handled concurrently; frame writes are serialized.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.out = json.NewEncoder(w)
	s.mu.Unlock()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		var env types.Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			continue
		}
		go s.handle(env)
	}
	return sc.Err()
}

func (s *Server) send(env types.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.out.Encode(env)
}

func (s *Server) reply(id string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	s.send(types.Envelope{ID: id, Type: "response", Success: true, Data: raw})
}

func (s *Server) replyErr(id, msg string) {
	s.send(types.Envelope{ID: id, Type: "response", Error: msg})
}

func (s *Server) handle(env types.Envelope) {
	switch env.Type {
	case "initialize":
		s.reply(env.ID, nil)

	case "getLocalModels":
		var local []types.Model
		for _, m := range Catalog[:1] {
			m.Local = true
			local = append(local, m)
		}
		s.reply(env.ID, local)

	case "getAvailableModels":
		s.reply(env.ID, Catalog)

	case "searchModels":
		var q struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(env.Data, &q)
		var hits []types.Model
		for _, m := range Catalog {
			if strings.Contains(m.ID, strings.ToLower(q.Query)) {
				hits = append(hits, m)
			}
		}
		s.reply(env.ID, hits)

	case "downloadModel":
		s.download(env)

	case "cancelDownload":
		s.abortMu.Lock()
		for _, ch := range s.aborts {
			closeOnce(ch)
		}
		s.abortMu.Unlock()
		s.reply(env.ID, nil)

	case "getDownloadProgress":
		s.reply(env.ID, types.DownloadProgress{Progress: 100, Done: true})

	case "deleteModel":
		s.reply(env.ID, nil)

	case "loadModel":
		var req types.LoadModelRequest
		_ = json.Unmarshal(env.Data, &req)
		s.mu.Lock()
		s.loaded = req.Model
		s.config = req.Settings
		s.mu.Unlock()
		s.reply(env.ID, nil)

	case "unloadModel":
		s.mu.Lock()
		s.loaded = ""
		s.mu.Unlock()
		s.reply(env.ID, nil)

	case "getModelStatus":
		s.mu.Lock()
		status := types.ModelStatus{Loaded: s.loaded != "", Model: s.loaded, State: "idle"}
		s.mu.Unlock()
		s.reply(env.ID, status)

	case "getModelSettings":
		s.mu.Lock()
		cfg := s.config
		s.mu.Unlock()
		s.reply(env.ID, cfg)

	case "setModelSettings":
		var settings types.ModelSettings
		_ = json.Unmarshal(env.Data, &settings)
		s.mu.Lock()
		s.config = settings
		s.mu.Unlock()
		s.reply(env.ID, nil)

	case "getModelRuntimeInfo":
		s.reply(env.ID, types.RuntimeInfo{
			Backend: "mock",
			Accelerators: []types.Accelerator{{
				ID:          "mock0",
				Backend:     "mock",
				TotalMemory: 8 << 30,
				FreeMemory:  6 << 30,
			}},
		})

	case "generateResponse":
		var req types.GenerateRequest
		_ = json.Unmarshal(env.Data, &req)
		s.reply(env.ID, types.GenerateResult{
			Content:      "echo: " + req.Prompt,
			FinishReason: "stop",
			TokensOut:    len(strings.Fields(req.Prompt)),
		})

	case "generateStreamResponse":
		s.stream(env)

	case "abortGeneration":
		var p struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(env.Data, &p)
		s.abortMu.Lock()
		if ch, ok := s.aborts[p.RequestID]; ok {
			closeOnce(ch)
		}
		s.abortMu.Unlock()

	default:
		s.replyErr(env.ID, "unknown operation: "+env.Type)
	}
}

// stream emits the prompt back word by word, then a terminal reply. An abort
// for this id ends the stream early without a reply, like a real engine that
// stops generating.
func (s *Server) stream(env types.Envelope) {
	var req types.GenerateRequest
	_ = json.Unmarshal(env.Data, &req)

	abort := s.registerAbort(env.ID)
	defer s.dropAbort(env.ID)

	words := strings.Fields("echo: " + req.Prompt)
	sent := 0
	for _, word := range words {
		select {
		case <-abort:
			return
		case <-time.After(s.ChunkDelay):
		}
		raw, _ := json.Marshal(types.Token{Content: word + " "})
		s.send(types.Envelope{ID: env.ID, Type: "chunk", Data: raw})
		sent++
	}
	s.reply(env.ID, types.GenerateResult{
		Content:      strings.Join(words, " "),
		FinishReason: "stop",
		TokensOut:    sent,
	})
}

// download fakes a transfer with four progress reports.
func (s *Server) download(env types.Envelope) {
	abort := s.registerAbort(env.ID)
	defer s.dropAbort(env.ID)

	for pct := 25.0; pct <= 100; pct += 25 {
		select {
		case <-abort:
			s.replyErr(env.ID, "download canceled")
			return
		case <-time.After(s.ProgressDelay):
		}
		s.send(types.Envelope{ID: env.ID, Type: "progress", Progress: pct, Speed: "25 MB/s"})
	}
	s.reply(env.ID, nil)
}

func (s *Server) registerAbort(id string) chan struct{} {
	ch := make(chan struct{})
	s.abortMu.Lock()
	s.aborts[id] = ch
	s.abortMu.Unlock()
	return ch
}

func (s *Server) dropAbort(id string) {
	s.abortMu.Lock()
	delete(s.aborts, id)
	s.abortMu.Unlock()
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
