package agents

import (
	"context"
	"fmt"

	"github.com/bsvalues/BCBSWebhub/internal/agent"
	"github.com/bsvalues/BCBSWebhub/internal/bus"
	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

// Validation checks the structural shape of property audit submissions.
// The domain validation rules themselves live outside the core; this agent
// only enforces that a submission is well-formed enough to route onward.
type Validation struct {
	*agent.Base
}

func init() {
	agent.Register("validation", func(d agent.Def, b *bus.Bus) (agent.Agent, error) {
		v := &Validation{}
		v.Base = agent.NewBase(d, b, v)
		return v, nil
	})
}

// ExecuteTask implements agent.Executor.
func (v *Validation) ExecuteTask(ctx context.Context, task *protocol.Task) (map[string]any, error) {
	propertyID, ok := task.Parameters["propertyId"].(string)
	if !ok || propertyID == "" {
		return nil, fmt.Errorf("missing propertyId")
	}

	var issues []string
	if _, ok := task.Parameters["parcelNumber"].(string); !ok {
		issues = append(issues, "parcelNumber is required")
	}
	if _, ok := numeric(task.Parameters["taxYear"]); !ok {
		issues = append(issues, "taxYear is required")
	}

	return map[string]any{
		"propertyId": propertyID,
		"valid":      len(issues) == 0,
		"issues":     issues,
	}, nil
}

// Valuation produces a placeholder assessed-value response for a property.
// The valuation math is an external collaborator; only the input/output
// shape matters here.
type Valuation struct {
	*agent.Base
}

func init() {
	agent.Register("valuation", func(d agent.Def, b *bus.Bus) (agent.Agent, error) {
		v := &Valuation{}
		v.Base = agent.NewBase(d, b, v)
		return v, nil
	})
}

// ExecuteTask implements agent.Executor.
func (v *Valuation) ExecuteTask(ctx context.Context, task *protocol.Task) (map[string]any, error) {
	propertyID, ok := task.Parameters["propertyId"].(string)
	if !ok || propertyID == "" {
		return nil, fmt.Errorf("missing propertyId")
	}
	landValue, _ := numeric(task.Parameters["landValue"])
	improvementValue, _ := numeric(task.Parameters["improvementValue"])

	return map[string]any{
		"propertyId":    propertyID,
		"assessedValue": landValue + improvementValue,
	}, nil
}

var (
	_ agent.Executor = (*Validation)(nil)
	_ agent.Executor = (*Valuation)(nil)
)
