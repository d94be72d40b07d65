// Package agents holds the concrete agent implementations shipped with the
// core: an echo agent for testing and the property audit agent shells. Each
// registers itself with the agent factory so configuration can name it by
// type.
package agents

import (
	"context"
	"errors"
	"time"

	"github.com/bsvalues/BCBSWebhub/internal/agent"
	"github.com/bsvalues/BCBSWebhub/internal/bus"
	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

// Echo returns its input parameters as its result. The resilience harness
// also drives it with control parameters: "delay_ms" stalls execution and
// "fail" forces an error, which lets tests exercise timeout and failure
// paths without a real workload.
type Echo struct {
	*agent.Base
}

func init() {
	agent.Register("echo", func(d agent.Def, b *bus.Bus) (agent.Agent, error) {
		e := &Echo{}
		e.Base = agent.NewBase(d, b, e)
		return e, nil
	})
}

// ExecuteTask implements agent.Executor.
func (e *Echo) ExecuteTask(ctx context.Context, task *protocol.Task) (map[string]any, error) {
	if ms, ok := numeric(task.Parameters["delay_ms"]); ok && ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail, _ := task.Parameters["fail"].(bool); fail {
		return nil, errors.New("induced failure")
	}

	result := make(map[string]any, len(task.Parameters))
	for k, v := range task.Parameters {
		result[k] = v
	}
	return result, nil
}

// numeric coerces JSON-decoded numbers, which arrive as float64.
func numeric(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

var _ agent.Executor = (*Echo)(nil)
