package hostrelay

import (
	"context"
	"errors"

	"github.com/flexigpt/llmtools-go"
	llmtoolsgoSpec "github.com/flexigpt/llmtools-go/spec"

	"github.com/flexigpt/hostrelay-go/spec"
)

// AgentSession is the agent's view of one user: the tools currently offered
// by the user's worker, all invoked with route=agent.
type AgentSession struct {
	cp   *ControlPlane
	user spec.UserID
}

func (s *AgentSession) User() spec.UserID { return s.user }

// Tools returns the tool specs of the current capability snapshot.
func (s *AgentSession) Tools() []llmtoolsgoSpec.Tool {
	ts, err := s.cp.toolset(s.user)
	if err != nil {
		return nil
	}
	return ts.Tools()
}

// ToolNames returns the invocable tool names in registration order.
func (s *AgentSession) ToolNames() []string {
	ts, err := s.cp.toolset(s.user)
	if err != nil {
		return nil
	}
	return ts.Names()
}

// RegisterTools registers the current tools into an existing llmtools-go
// Registry. Tools added by a later registry update need another call.
func (s *AgentSession) RegisterTools(reg *llmtools.Registry) error {
	if s == nil || s.cp == nil {
		return errors.New("nil agent session")
	}
	ts, err := s.cp.toolset(s.user)
	if err != nil {
		return err
	}
	return ts.Register(reg)
}

// NewToolsRegistry returns a new llmtools-go Registry containing only the
// current tools.
func (s *AgentSession) NewToolsRegistry(opts ...llmtools.RegistryOption) (*llmtools.Registry, error) {
	if s == nil || s.cp == nil {
		return nil, errors.New("nil agent session")
	}
	ts, err := s.cp.toolset(s.user)
	if err != nil {
		return nil, err
	}
	return ts.NewRegistry(opts...)
}

// Invoke calls a tool by name and waits for the worker's result.
func (s *AgentSession) Invoke(ctx context.Context, name string, args map[string]any) (spec.Result, error) {
	ts, err := s.cp.toolset(s.user)
	if err != nil {
		return spec.Result{}, err
	}
	return ts.Invoke(ctx, name, args)
}

// PromptXML renders the current tools as <available_tools> XML.
func (s *AgentSession) PromptXML() (string, error) {
	ts, err := s.cp.toolset(s.user)
	if err != nil {
		return "", err
	}
	return ts.PromptXML()
}
