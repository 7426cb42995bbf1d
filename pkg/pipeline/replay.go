package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/sirupsen/logrus"
)

// ReplaySummary 一次回放的统计
type ReplaySummary struct {
	SwitchID string      `json:"switch"`
	Frames   int         `json:"frames"`
	Dropped  int         `json:"dropped"`
	ByRule   map[int]int `json:"by_rule"` // 规则序号 -> 命中帧数
	Duration string      `json:"duration"`
}

// Replay 将抓包文件中的帧逐个交给规则判断，用于在上线前验证规则集
// 流程：Source -> Classifier -> Sink，帧的顺序保持不变
type Replay struct {
	source     Source
	classifier Classifier
	sink       Sink
	switchID   uint64
	bufferSize int
	logger     logrus.FieldLogger
}

func NewReplay(source Source, classifier Classifier, sink Sink, switchID uint64, logger logrus.FieldLogger) *Replay {
	return &Replay{
		source:     source,
		classifier: classifier,
		sink:       sink,
		switchID:   switchID,
		bufferSize: 64,
		logger:     logger,
	}
}

// Run 阻塞直到来源读取完毕且sink处理完所有帧
func (r *Replay) Run(ctx context.Context) (*ReplaySummary, error) {
	if r.source == nil || r.classifier == nil || r.sink == nil {
		return nil, fmt.Errorf("replay requires a source, a classifier and a sink")
	}

	start := time.Now()
	summary := &ReplaySummary{
		SwitchID: types.DPIDString(r.switchID),
		ByRule:   make(map[int]int),
	}
	log := r.logger.WithField("switch", summary.SwitchID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 先启动sink，再启动来源
	classified := make(chan *types.Frame, r.bufferSize)
	sinkErr := make(chan error, 1)
	go func() {
		sinkErr <- r.sink.Consume(ctx, classified)
	}()

	if err := r.source.Start(ctx); err != nil {
		close(classified)
		<-sinkErr
		return nil, fmt.Errorf("failed to start source: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(classified)
		for frame := range r.source.Output() {
			summary.Frames++
			if rule, dropped := r.classifier.Probe(r.switchID, frame.Data); dropped {
				frame.Dropped = true
				frame.RuleIndex = rule.Index
				summary.Dropped++
				summary.ByRule[rule.Index]++
				log.WithFields(logrus.Fields{
					"frame": frame.Seq,
					"rule":  rule.Index,
				}).Debugf("Frame %d dropped by rule: %s", frame.Seq, rule.Label())
			}

			select {
			case classified <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	// sink提前退出时同时停止来源和分类
	err := <-sinkErr
	cancel()
	wg.Wait()

	summary.Duration = time.Since(start).String()
	if err != nil {
		return summary, fmt.Errorf("sink error: %w", err)
	}

	log.WithFields(logrus.Fields{
		"frames":  summary.Frames,
		"dropped": summary.Dropped,
	}).Infof("Replay finished: %d of %d frames would be dropped", summary.Dropped, summary.Frames)
	return summary, nil
}
