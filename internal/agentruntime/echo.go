// Package agentruntime provides a reference implementation of the Agent
// Runtime boundary (spec.md §6 "Agent runtime boundary"). The real runtime
// is an out-of-scope, best-effort collaborator invoked via
// contracts.AgentRuntime; EchoRuntime is the stand-in used by the direct
// deployment and by tests, the same role the teacher's Model Router test
// doubles play for LLM calls.
package agentruntime

import (
	"context"
	"fmt"

	"github.com/relaymesh/control-plane/pkg/contracts"
)

// EchoRuntime answers every invocation by echoing the prompt back,
// annotated with the conversation handle. It never emits a routing
// directive and never errors, making it useful for local development and
// for Worker idempotency/timeout tests where the runtime's own behavior
// isn't what's under test.
type EchoRuntime struct{}

// NewEchoRuntime builds the echo runtime.
func NewEchoRuntime() *EchoRuntime { return &EchoRuntime{} }

func (e *EchoRuntime) Invoke(ctx context.Context, runtimeSessionRef, content string, promptContext map[string]any) (*contracts.RuntimeResult, error) {
	return &contracts.RuntimeResult{
		Content: fmt.Sprintf("echo[%s]: %s", runtimeSessionRef, content),
		CompletionMeta: map[string]any{
			"runtime": "echo",
		},
	}, nil
}
