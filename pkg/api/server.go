package api

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server HTTP 服务器
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer 创建一个新的 HTTP 服务器
func NewServer(addr string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())

	return &Server{
		echo: e,
		addr: addr,
	}
}

// Start 启动 HTTP 服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Stop 停止 HTTP 服务器
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// GetEcho 获取Echo实例
func (s *Server) GetEcho() *echo.Echo {
	return s.echo
}

// RegisterFirewallService 注册防火墙查询接口，所有接口只读
func (s *Server) RegisterFirewallService(fs *FirewallService) {
	g := s.echo.Group("/firewall")
	g.GET("/rules", fs.GetRules)                        // 获取已加载的规则
	g.GET("/load", fs.GetLoadSummary)                   // 规则加载结果
	g.GET("/switches", fs.GetSwitches)                  // 所有交换机的下发状态
	g.GET("/switches/:switch_id", fs.GetSwitch)         // 指定交换机的下发状态
	g.POST("/switches/:switch_id/probe", fs.ProbeFrame) // 判断报文是否会被丢弃
	g.POST("/validate", fs.ValidateRule)                // 校验单条规则
}

// RegisterMetrics 暴露Prometheus指标
func (s *Server) RegisterMetrics(gatherer prometheus.Gatherer) {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
