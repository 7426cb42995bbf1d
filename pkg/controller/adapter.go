package controller

import (
	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/sirupsen/logrus"
)

// ConnectionEventAdapter 将运行时的连接事件转交给规则下发器，自身不做任何过滤
type ConnectionEventAdapter struct {
	runtime    Runtime
	dispatcher SwitchDispatcher
	logger     logrus.FieldLogger
}

func NewConnectionEventAdapter(runtime Runtime, dispatcher SwitchDispatcher, logger logrus.FieldLogger) *ConnectionEventAdapter {
	return &ConnectionEventAdapter{
		runtime:    runtime,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Register 订阅交换机连接事件，应在规则集加载完成后调用
func (a *ConnectionEventAdapter) Register() {
	a.runtime.OnSwitchConnected(a.handle)
	a.logger.Debug("Subscribed to switch connect notifications")
}

func (a *ConnectionEventAdapter) handle(n ConnectNotification) {
	if n.Connection == nil {
		a.logger.WithField("switch", types.DPIDString(n.SwitchID)).Error("Connect notification without connection handle")
		return
	}
	a.dispatcher.OnConnect(n.SwitchID, n.Connection)
}
