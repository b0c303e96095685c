package stagegraph

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
)

// testState is a pointer state that records stage progress and status.
type testState struct {
	Progress []string `json:"progress"`
	Query    string   `json:"query"`
	Fallback bool     `json:"fallback"`
	Statuses []Status `json:"-"`
}

func (s *testState) ObserveStatus(st Status) {
	s.Statuses = append(s.Statuses, st)
}

// track returns a stage func that appends name to the progress list.
func track(name string) StageFunc[*testState] {
	return func(_ Context, s *testState) (*testState, error) {
		s.Progress = append(s.Progress, name)
		return s, nil
	}
}

// fail returns a stage func that returns err without touching state.
func fail(err error) StageFunc[*testState] {
	return func(_ Context, s *testState) (*testState, error) {
		return s, err
	}
}

// explode returns a stage func that panics with value.
func explode(value any) StageFunc[*testState] {
	return func(_ Context, s *testState) (*testState, error) {
		panic(value)
	}
}

var errBoom = errors.New("boom")

// linear builds a graph of the five retrieval-shaped stages, each tracking
// its name, with overrides replacing individual stages.
func linear(overrides ...Stage[*testState]) *Graph[*testState] {
	names := []string{"analyze", "enhance", "generate", "execute", "score"}
	byName := make(map[string]Stage[*testState])
	for _, o := range overrides {
		byName[o.Name] = o
	}

	g := NewGraph[*testState]()
	prev := ""
	for _, name := range names {
		st, ok := byName[name]
		if !ok {
			st = Stage[*testState]{Name: name, Run: track(name)}
		}
		if prev != "" && st.Requires == nil {
			st.Requires = []string{prev}
		}
		g.AddStage(st)
		prev = name
	}
	return g
}

// bufferLogger returns a debug-level JSON logger writing to a buffer.
func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func bg() context.Context {
	return context.Background()
}
