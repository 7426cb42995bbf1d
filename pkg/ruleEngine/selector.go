package ruleEngine

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Selector 使用CEL表达式筛选规则，例如：
//
//	rule.protocol == "TCP" && rule.dst_port == 80
//	has(rule.src_ip) && rule.switch == 2
//
// 表达式中只能访问已配置的字段，访问未配置的字段会导致该条规则求值失败
type Selector struct {
	expression string
	program    cel.Program
}

func newSelectorEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("rule", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewSelector 编译并检查表达式，表达式必须返回布尔值
func NewSelector(expression string) (*Selector, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	env, err := newSelectorEnv()
	if err != nil {
		return nil, fmt.Errorf("create cel env failed: %v", err)
	}

	ast, iss := env.Compile(expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile expression failed: %v", iss.Err())
	}

	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType().String())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program failed: %v", err)
	}

	return &Selector{expression: expression, program: program}, nil
}

func (s *Selector) Expression() string {
	return s.expression
}

// Matches 对单条规则求值
func (s *Selector) Matches(r Rule) (bool, error) {
	result, _, err := s.program.Eval(map[string]interface{}{
		"rule": r.attributes(),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate rule %d failed: %v", r.Index, err)
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not boolean: %v", result.Value())
	}
	return matched, nil
}

// Select 返回满足表达式的规则，保持原有顺序
// 求值失败（通常是访问了该规则未配置的字段）的规则视为不匹配
func (s *Selector) Select(rules []Rule) []Rule {
	var selected []Rule
	for _, r := range rules {
		if ok, err := s.Matches(r); err == nil && ok {
			selected = append(selected, r)
		}
	}
	return selected
}
