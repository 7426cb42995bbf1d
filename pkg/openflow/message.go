package openflow

import (
	"encoding/binary"
	"fmt"

	"github.com/haolipeng/sdn_firewall/pkg/types"
)

// OpenFlow 1.0 消息类型
const (
	Version10 uint8 = 0x01

	TypeHello           uint8 = 0
	TypeError           uint8 = 1
	TypeEchoRequest     uint8 = 2
	TypeEchoReply       uint8 = 3
	TypeFeaturesRequest uint8 = 5
	TypeFeaturesReply   uint8 = 6
	TypeFlowMod         uint8 = 14
)

const (
	HeaderLen  = 8
	MatchLen   = 40
	FlowModLen = HeaderLen + MatchLen + 24
)

// ofp_flow_wildcards
const (
	wildcardInPort    uint32 = 1 << 0
	wildcardDLVLAN    uint32 = 1 << 1
	wildcardDLSrc     uint32 = 1 << 2
	wildcardDLDst     uint32 = 1 << 3
	wildcardDLType    uint32 = 1 << 4
	wildcardNWProto   uint32 = 1 << 5
	wildcardTPSrc     uint32 = 1 << 6
	wildcardTPDst     uint32 = 1 << 7
	wildcardNWSrcMask uint32 = 0x3f << 8
	wildcardNWDstMask uint32 = 0x3f << 14
	wildcardAll       uint32 = (1 << 22) - 1
)

const (
	flowModAdd uint16 = 0
	noBuffer   uint32 = 0xffffffff
	portNone   uint16 = 0xffff
)

// Header ofp_header
type Header struct {
	Version uint8
	Type    uint8
	Length  uint16
	Xid     uint32
}

func parseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("short header: %d bytes", len(b))
	}
	h := Header{
		Version: b[0],
		Type:    b[1],
		Length:  binary.BigEndian.Uint16(b[2:4]),
		Xid:     binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Length < HeaderLen {
		return Header{}, fmt.Errorf("invalid message length %d", h.Length)
	}
	return h, nil
}

// NewMessage 构造一条OpenFlow 1.0消息
func NewMessage(msgType uint8, xid uint32, body []byte) []byte {
	msg := make([]byte, HeaderLen+len(body))
	msg[0] = Version10
	msg[1] = msgType
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(msg)))
	binary.BigEndian.PutUint32(msg[4:8], xid)
	copy(msg[HeaderLen:], body)
	return msg
}

// Wildcards 计算匹配条件对应的ofp_match.wildcards
func Wildcards(m types.MatchSpec) uint32 {
	w := wildcardAll
	if m.IsSet(types.FieldEtherType) {
		w &^= wildcardDLType
	}
	if m.IsSet(types.FieldIPProtocol) {
		w &^= wildcardNWProto
	}
	if m.IsSet(types.FieldSrcIP) {
		w &^= wildcardNWSrcMask
	}
	if m.IsSet(types.FieldDstIP) {
		w &^= wildcardNWDstMask
	}
	if m.IsSet(types.FieldSrcPort) {
		w &^= wildcardTPSrc
	}
	if m.IsSet(types.FieldDstPort) {
		w &^= wildcardTPDst
	}
	return w
}

// EncodeMatch 编码ofp_match，通配字段的取值保持为0
func EncodeMatch(m types.MatchSpec) []byte {
	b := make([]byte, MatchLen)
	binary.BigEndian.PutUint32(b[0:4], Wildcards(m))
	if wc, v := m.EtherType(); !wc {
		binary.BigEndian.PutUint16(b[22:24], v)
	}
	if wc, v := m.IPProtocol(); !wc {
		b[25] = v
	}
	if wc, v := m.SrcIP(); !wc {
		copy(b[28:32], v.To4())
	}
	if wc, v := m.DstIP(); !wc {
		copy(b[32:36], v.To4())
	}
	if wc, v := m.SrcPort(); !wc {
		binary.BigEndian.PutUint16(b[36:38], v)
	}
	if wc, v := m.DstPort(); !wc {
		binary.BigEndian.PutUint16(b[38:40], v)
	}
	return b
}

// EncodeFlowMod 编码ofp_flow_mod，只支持空动作列表（drop）
func EncodeFlowMod(xid uint32, d *types.InstallDirective) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("nil directive")
	}
	if !d.IsDrop() {
		return nil, fmt.Errorf("flow_mod with %d actions is not supported", len(d.Actions))
	}
	if d.Command != types.CommandAdd {
		return nil, fmt.Errorf("unsupported install command %d", d.Command)
	}

	body := make([]byte, FlowModLen-HeaderLen)
	copy(body[0:MatchLen], EncodeMatch(d.Match))
	rest := body[MatchLen:]
	binary.BigEndian.PutUint64(rest[0:8], d.Cookie)
	binary.BigEndian.PutUint16(rest[8:10], flowModAdd)
	binary.BigEndian.PutUint16(rest[10:12], 0) // idle_timeout：永久
	binary.BigEndian.PutUint16(rest[12:14], 0) // hard_timeout：永久
	binary.BigEndian.PutUint16(rest[14:16], d.Priority)
	binary.BigEndian.PutUint32(rest[16:20], noBuffer)
	binary.BigEndian.PutUint16(rest[20:22], portNone)
	binary.BigEndian.PutUint16(rest[22:24], 0)

	return NewMessage(TypeFlowMod, xid, body), nil
}
