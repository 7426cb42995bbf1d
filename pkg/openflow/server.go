package openflow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haolipeng/sdn_firewall/pkg/controller"
	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Server OpenFlow 1.0控制通道，实现controller.Runtime
// 多个交换机会话并发读取，连接事件经由同一个goroutine串行投递给处理函数
type Server struct {
	addr             string
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	logger           logrus.FieldLogger

	mu       sync.Mutex
	handlers []controller.ConnectHandler
	sessions map[*session]struct{}
	listener net.Listener
	running  bool

	events  chan controller.ConnectNotification
	xid     uint32
	wg      sync.WaitGroup
	eventWg sync.WaitGroup
	cancel  context.CancelFunc
}

type ServerOption func(*Server)

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.handshakeTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

func NewServer(addr string, logger logrus.FieldLogger, opts ...ServerOption) *Server {
	s := &Server{
		addr:             addr,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
		logger:           logger,
		sessions:         make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ controller.Runtime = (*Server)(nil)

// OnSwitchConnected 注册连接事件处理函数，应在Start之前调用
func (s *Server) OnSwitchConnected(handler controller.ConnectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Start 开始监听交换机连接
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return types.NewFirewallError(types.StageRuntime, fmt.Errorf("openflow server already running"))
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return types.NewFirewallError(types.StageRuntime, fmt.Errorf("listen on %s: %w", s.addr, err))
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.running = true
	s.events = make(chan controller.ConnectNotification)

	s.eventWg.Add(1)
	go func() {
		defer s.eventWg.Done()
		s.deliver()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()

	s.logger.WithField("addr", ln.Addr().String()).Info("OpenFlow server listening")
	return nil
}

// Addr 实际监听的地址
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 关闭监听和所有交换机会话
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	err := s.listener.Close()
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.events)
	s.eventWg.Wait()

	s.logger.Info("OpenFlow server stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithField("error", err.Error()).Warn("Accept failed")
			continue
		}

		sess := &session{server: s, conn: conn}
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.removeSession(sess)
			sess.run(ctx)
		}()
	}
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	sess.conn.Close()
}

// deliver 串行投递连接事件，一个事件处理完成后才处理下一个
func (s *Server) deliver() {
	for n := range s.events {
		s.mu.Lock()
		handlers := append([]controller.ConnectHandler(nil), s.handlers...)
		s.mu.Unlock()

		for _, h := range handlers {
			h(n)
		}
	}
}

func (s *Server) nextXid() uint32 {
	return atomic.AddUint32(&s.xid, 1)
}

// session 一个交换机的控制通道
type session struct {
	server *Server
	conn   net.Conn

	writeMu sync.Mutex
	dpid    uint64
}

var _ controller.Connection = (*session)(nil)

// Send 将drop指令编码为flow_mod发送给交换机
func (c *session) Send(d *types.InstallDirective) error {
	msg, err := EncodeFlowMod(c.server.nextXid(), d)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *session) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.server.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	}
	_, err := c.conn.Write(msg)
	return err
}

func (c *session) run(ctx context.Context) {
	log := c.server.logger.WithField("remote", c.conn.RemoteAddr().String())
	log.Debug("Switch session opened")

	if c.server.handshakeTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.server.handshakeTimeout))
	}
	if err := c.write(NewMessage(TypeHello, c.server.nextXid(), nil)); err != nil {
		log.WithField("error", err.Error()).Warn("Failed to send hello")
		return
	}

	connected := false
	header := make([]byte, HeaderLen)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			c.logClosed(log, err, connected)
			return
		}
		h, err := parseHeader(header)
		if err != nil {
			log.WithField("error", err.Error()).Warn("Invalid OpenFlow header, closing session")
			return
		}
		body := make([]byte, int(h.Length)-HeaderLen)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.logClosed(log, err, connected)
			return
		}

		switch h.Type {
		case TypeHello:
			if h.Version < Version10 {
				log.WithField("version", h.Version).Warn("Unsupported OpenFlow version, closing session")
				return
			}
			if err := c.write(NewMessage(TypeFeaturesRequest, c.server.nextXid(), nil)); err != nil {
				log.WithField("error", err.Error()).Warn("Failed to send features request")
				return
			}
		case TypeEchoRequest:
			if err := c.write(NewMessage(TypeEchoReply, h.Xid, body)); err != nil {
				log.WithField("error", err.Error()).Warn("Failed to send echo reply")
				return
			}
		case TypeFeaturesReply:
			if len(body) < 8 {
				log.Warn("Short features reply, closing session")
				return
			}
			if connected {
				continue
			}
			connected = true
			c.dpid = binary.BigEndian.Uint64(body[0:8])
			c.conn.SetReadDeadline(time.Time{})
			log = log.WithField("switch", types.DPIDString(c.dpid))
			log.Debug("Switch handshake completed")

			select {
			case c.server.events <- controller.ConnectNotification{SwitchID: c.dpid, Connection: c}:
			case <-ctx.Done():
				return
			}
		case TypeError:
			fields := logrus.Fields{"xid": h.Xid}
			if len(body) >= 4 {
				fields["err_type"] = binary.BigEndian.Uint16(body[0:2])
				fields["err_code"] = binary.BigEndian.Uint16(body[2:4])
			}
			log.WithFields(fields).Warn("Switch reported an error")
		default:
			log.WithField("type", h.Type).Debug("Ignoring OpenFlow message")
		}
	}
}

func (c *session) logClosed(log logrus.FieldLogger, err error, connected bool) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		log.Info("Switch disconnected")
		return
	}
	if !connected {
		log.WithField("error", err.Error()).Warn("Switch handshake failed")
		return
	}
	log.WithField("error", err.Error()).Warn("Switch session closed")
}
