package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/haolipeng/gopacket/layers"
	"github.com/haolipeng/gopacket/pcapgo"
	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/sirupsen/logrus"
)

const defaultSnapLen = 65535

// PcapSink 将被规则丢弃的帧写入pcap文件，未被丢弃的帧只计数
type PcapSink struct {
	pcapWriter *pcapgo.Writer
	closer     io.Closer
	name       string
	logger     logrus.FieldLogger

	mu      sync.Mutex
	written int
	seen    int
}

// NewPcapSink 创建输出文件并写入文件头
func NewPcapSink(filename string, logger logrus.FieldLogger) (*PcapSink, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file: %w", err)
	}
	s, err := NewPcapWriterSink(f, filename, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewPcapWriterSink 写入任意io.Writer，name仅用于日志
func NewPcapWriterSink(w io.Writer, name string, logger logrus.FieldLogger) (*PcapSink, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(defaultSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &PcapSink{
		pcapWriter: pw,
		name:       name,
		logger:     logger,
	}, nil
}

func (s *PcapSink) write(frame *types.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen++
	if !frame.Dropped {
		return nil
	}

	ci := frame.CaptureInfo
	if ci.CaptureLength == 0 {
		ci.CaptureLength = len(frame.Data)
		ci.Length = len(frame.Data)
	}
	if err := s.pcapWriter.WritePacket(ci, frame.Data); err != nil {
		return err
	}
	s.written++
	return nil
}

// Consume 消费回放结果，直到输入关闭或ctx取消
func (s *PcapSink) Consume(ctx context.Context, in <-chan *types.Frame) error {
	defer func() {
		if s.closer != nil {
			if err := s.closer.Close(); err != nil {
				s.logger.WithField("error", err.Error()).Error("Failed to close pcap file")
			}
		}
		s.logger.WithFields(logrus.Fields{
			"file":    s.name,
			"dropped": s.Written(),
		}).Info("Pcap sink stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return nil
			}
			if err := s.write(frame); err != nil {
				return fmt.Errorf("write frame %d: %w", frame.Seq, err)
			}
		}
	}
}

// Written 已写入的丢弃帧数量
func (s *PcapSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Seen 已消费的帧数量
func (s *PcapSink) Seen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

// DiscardSink 只消费回放结果，不落盘
type DiscardSink struct{}

func NewDiscardSink() *DiscardSink {
	return &DiscardSink{}
}

func (DiscardSink) Consume(ctx context.Context, in <-chan *types.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-in:
			if !ok {
				return nil
			}
		}
	}
}
