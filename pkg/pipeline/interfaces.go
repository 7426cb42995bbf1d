package pipeline

import (
	"context"

	"github.com/haolipeng/sdn_firewall/pkg/ruleEngine"
	"github.com/haolipeng/sdn_firewall/pkg/types"
)

// Source 定义帧来源接口
type Source interface {
	// Start 启动读取，读取结束后关闭Output
	Start(ctx context.Context) error
	// Output 返回帧输出channel
	Output() <-chan *types.Frame
}

// Classifier 判断帧在某台交换机上是否会被丢弃
type Classifier interface {
	Probe(switchID uint64, frame []byte) (ruleEngine.Rule, bool)
}

// Sink 定义回放结果的输出接口
type Sink interface {
	// Consume 消费回放结果，输入关闭后返回
	Consume(ctx context.Context, in <-chan *types.Frame) error
}
