package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/haolipeng/gopacket/layers"
	"github.com/haolipeng/gopacket/pcapgo"
	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/sirupsen/logrus"
)

// SourceStats 读取统计
type SourceStats struct {
	FramesRead uint64
	BytesRead  uint64
}

// PcapFileSource 从pcap文件按顺序读取以太网帧
type PcapFileSource struct {
	reader *pcapgo.Reader
	closer io.Closer
	name   string
	output chan *types.Frame
	done   chan struct{}
	stats  SourceStats
	logger logrus.FieldLogger
}

// NewPcapFileSource 打开pcap文件，只支持以太网链路类型
func NewPcapFileSource(filename string, bufferSize int, logger logrus.FieldLogger) (*PcapFileSource, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}
	s, err := NewPcapReaderSource(f, filename, bufferSize, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewPcapReaderSource 从任意io.Reader读取pcap格式数据，name仅用于日志
func NewPcapReaderSource(r io.Reader, name string, bufferSize int, logger logrus.FieldLogger) (*PcapFileSource, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", name, err)
	}
	if reader.LinkType() != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("unsupported link type %v in %s", reader.LinkType(), name)
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &PcapFileSource{
		reader: reader,
		name:   name,
		output: make(chan *types.Frame, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}, nil
}

func (s *PcapFileSource) Start(ctx context.Context) error {
	s.logger.WithField("file", s.name).Info("Started reading frames from capture")

	go func() {
		defer close(s.done)
		defer close(s.output)
		if s.closer != nil {
			defer s.closer.Close()
		}

		seq := 0
		for {
			data, ci, err := s.reader.ReadPacketData()
			if err != nil {
				if errors.Is(err, io.EOF) {
					s.logger.WithField("frames", seq).Info("Reached end of capture")
					return
				}
				s.logger.WithFields(logrus.Fields{
					"frames": seq,
					"error":  err.Error(),
				}).Warn("Capture is truncated or corrupt, stop reading")
				return
			}

			seq++
			atomic.AddUint64(&s.stats.FramesRead, 1)
			atomic.AddUint64(&s.stats.BytesRead, uint64(len(data)))

			select {
			case s.output <- &types.Frame{Seq: seq, CaptureInfo: ci, Data: data}:
			case <-ctx.Done():
				s.logger.Info("Stopping capture reading due to context cancellation")
				return
			}
		}
	}()

	return nil
}

func (s *PcapFileSource) Output() <-chan *types.Frame {
	return s.output
}

func (s *PcapFileSource) GetStats() SourceStats {
	return SourceStats{
		FramesRead: atomic.LoadUint64(&s.stats.FramesRead),
		BytesRead:  atomic.LoadUint64(&s.stats.BytesRead),
	}
}

func (s *PcapFileSource) WaitForCompletion() <-chan struct{} {
	return s.done
}
