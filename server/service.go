package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mqrpc/envelope"
)

// Procedure is a remotely callable function. Positional and keyword arguments arrive as
// decoded by the service codec (numbers as float64, objects as map[string]any).
type Procedure func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Entry declares one procedure for RegisterTable.
type Entry struct {
	Name string
	Proc Procedure
}

// procTable maps method names to procedures. Entries never expire.
type procTable struct {
	mu    sync.RWMutex
	procs map[string]Procedure
}

func newProcTable() *procTable {
	return &procTable{procs: make(map[string]Procedure)}
}

func (t *procTable) register(name string, proc Procedure) error {
	if name == "" {
		return fmt.Errorf("rpc: procedure name must not be empty")
	}
	if proc == nil {
		return fmt.Errorf("rpc: procedure %q is nil", name)
	}
	t.mu.Lock()
	t.procs[name] = proc
	t.mu.Unlock()
	return nil
}

func (t *procTable) lookup(name string) (Procedure, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	proc, ok := t.procs[name]
	return proc, ok
}

func (t *procTable) names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.procs))
	for name := range t.procs {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

// builtins are registered on every service before any user procedure.
func (s *Service) builtins() []Entry {
	return []Entry{
		{"_ping", func(context.Context, []any, map[string]any) (any, error) {
			return "pong", nil
		}},
		{"_methods", func(context.Context, []any, map[string]any) (any, error) {
			names := s.procs.names()
			out := make([]any, len(names))
			for i, n := range names {
				out[i] = n
			}
			return out, nil
		}},
		{"_version", func(context.Context, []any, map[string]any) (any, error) {
			return envelope.Version.String(), nil
		}},
	}
}
