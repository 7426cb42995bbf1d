package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/haolipeng/sdn_firewall/pkg/ruleEngine"
	"github.com/haolipeng/sdn_firewall/pkg/types"
)

// memorySink 将回放结果保存在内存中
type memorySink struct {
	mu      sync.Mutex
	results []*types.Frame
	failAt  int // 收到第failAt个帧时返回错误，0表示不失败
}

func (s *memorySink) Consume(ctx context.Context, in <-chan *types.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return nil
			}
			s.mu.Lock()
			s.results = append(s.results, frame)
			n := len(s.results)
			s.mu.Unlock()
			if s.failAt > 0 && n == s.failAt {
				return errors.New("disk full")
			}
		}
	}
}

func (s *memorySink) getResults() []*types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Frame(nil), s.results...)
}

// sliceSource 依次输出预先准备的帧
type sliceSource struct {
	frames [][]byte
	out    chan *types.Frame
}

func newSliceSource(frames ...[]byte) *sliceSource {
	return &sliceSource{frames: frames, out: make(chan *types.Frame)}
}

func (s *sliceSource) Start(ctx context.Context) error {
	go func() {
		defer close(s.out)
		for i, data := range s.frames {
			select {
			case s.out <- &types.Frame{Seq: i + 1, Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *sliceSource) Output() <-chan *types.Frame {
	return s.out
}

// byteClassifier 首字节等于key的帧被对应规则丢弃
type byteClassifier map[byte]int

func (c byteClassifier) Probe(switchID uint64, frame []byte) (ruleEngine.Rule, bool) {
	if len(frame) == 0 {
		return ruleEngine.Rule{}, false
	}
	index, ok := c[frame[0]]
	if !ok {
		return ruleEngine.Rule{}, false
	}
	return ruleEngine.Rule{Index: index, SwitchID: switchID}, true
}
