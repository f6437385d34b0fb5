package cel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"waconnector/pkg/models"
)

// Variables exposed to message filter expressions.
const (
	VarAccount   = "account"
	VarSource    = "source"
	VarRemoteJID = "remote_jid"
	VarFromMe    = "from_me"
	VarIsGroup   = "is_group"
	VarType      = "msg_type"
	VarText      = "text"
	VarPushName  = "push_name"
	VarHasMedia  = "has_media"
	VarTimestamp = "timestamp"
)

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarAccount, cel.StringType),
		cel.Variable(VarSource, cel.StringType),
		cel.Variable(VarRemoteJID, cel.StringType),
		cel.Variable(VarFromMe, cel.BoolType),
		cel.Variable(VarIsGroup, cel.BoolType),
		cel.Variable(VarType, cel.StringType),
		cel.Variable(VarText, cel.StringType),
		cel.Variable(VarPushName, cel.StringType),
		cel.Variable(VarHasMedia, cel.BoolType),
		cel.Variable(VarTimestamp, cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compileFilter(expression)
	return err
}

func (e *Evaluator) compileFilter(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return program, nil
}

// Filter is a compiled message filter, safe for concurrent use.
type Filter struct {
	expression string
	program    cel.Program
}

// NewFilter compiles expression once. An empty expression yields a nil filter that accepts
// every message.
func NewFilter(expression string) (*Filter, error) {
	if expression == "" {
		return nil, nil
	}
	eval, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	program, err := eval.compileFilter(expression)
	if err != nil {
		return nil, err
	}
	return &Filter{expression: expression, program: program}, nil
}

func (f *Filter) Expression() string {
	if f == nil {
		return ""
	}
	return f.expression
}

// Match evaluates the filter against one inbound message.
func (f *Filter) Match(ctx context.Context, msg models.QueuedMessage, now time.Time) (bool, error) {
	if f == nil {
		return true, nil
	}

	result, _, err := f.program.ContextEval(ctx, messageVars(msg, now))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}
	return boolVal, nil
}

func messageVars(msg models.QueuedMessage, now time.Time) map[string]interface{} {
	m := msg.Message
	return map[string]interface{}{
		VarAccount:   msg.IntegrationAccountID,
		VarSource:    msg.SourceOrDefault(),
		VarRemoteJID: models.NormalizeJID(m.Key.RemoteJID),
		VarFromMe:    m.Key.FromMe,
		VarIsGroup:   m.IsGroup(),
		VarType:      m.Type,
		VarText:      m.Text,
		VarPushName:  m.PushName,
		VarHasMedia:  m.Media != nil,
		VarTimestamp: m.Timestamp(now),
	}
}
