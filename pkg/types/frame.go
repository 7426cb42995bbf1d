package types

import (
	"github.com/haolipeng/gopacket"
)

// Frame 离线回放中的一个以太网帧
type Frame struct {
	Seq         int
	CaptureInfo gopacket.CaptureInfo
	Data        []byte

	// 以下字段由回放流程填写
	Dropped   bool
	RuleIndex int // 命中规则的序号，未被丢弃时为0
}
