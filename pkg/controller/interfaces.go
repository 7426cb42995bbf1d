package controller

import (
	"github.com/haolipeng/sdn_firewall/pkg/types"
)

// Connection 交换机控制通道的句柄，只在处理对应的连接事件期间使用
type Connection interface {
	// Send 发送一条安装指令，返回错误表示指令未能送达
	Send(directive *types.InstallDirective) error
}

// ConnectNotification 交换机连接事件
type ConnectNotification struct {
	SwitchID   uint64
	Connection Connection
}

// ConnectHandler 连接事件的处理函数
type ConnectHandler func(ConnectNotification)

// Runtime 宿主控制器运行时，负责连接生命周期和事件投递
// 实现必须串行投递事件：一个处理函数返回之前不投递下一个事件
type Runtime interface {
	// OnSwitchConnected 注册交换机连接事件的处理函数
	OnSwitchConnected(handler ConnectHandler)
}

// SwitchDispatcher 按交换机下发规则
type SwitchDispatcher interface {
	// OnConnect 处理一次交换机连接，同步完成所有规则的下发
	OnConnect(switchID uint64, conn Connection) types.DispatchResult
}
