package types

import (
	"errors"
	"fmt"
)

// 错误分类，调用方通过 errors.Is 判断
var (
	// ErrSourceUnavailable 规则文件不存在或不可读，降级为空规则集
	ErrSourceUnavailable = errors.New("rule source unavailable")
	// ErrMalformedSource 规则文件解析失败或结构不符合约定，降级为空规则集
	ErrMalformedSource = errors.New("rule source malformed")
	// ErrRuleValidation 单条规则校验失败，仅丢弃该条规则
	ErrRuleValidation = errors.New("rule validation failed")
	// ErrSendFailure 下发指令到交换机失败
	ErrSendFailure = errors.New("install directive send failed")
)

// Stage 表示出错的处理阶段
type Stage string

const (
	StageLoad     Stage = "load"
	StageValidate Stage = "validate"
	StageDispatch Stage = "dispatch"
	StageRuntime  Stage = "runtime"
)

type FirewallError struct {
	Stage Stage
	Err   error
}

func (e *FirewallError) Error() string {
	return fmt.Sprintf("firewall error at stage %s: %v", e.Stage, e.Err)
}

func (e *FirewallError) Unwrap() error {
	return e.Err
}

func NewFirewallError(stage Stage, err error) error {
	return &FirewallError{Stage: stage, Err: err}
}
