package types

import (
	"fmt"
	"hash/fnv"
	"net"
	"strings"
)

// MatchField 标记MatchSpec中被显式设置的字段，未设置的字段即通配
type MatchField uint8

const (
	FieldEtherType MatchField = 1 << iota
	FieldIPProtocol
	FieldSrcIP
	FieldDstIP
	FieldSrcPort
	FieldDstPort
)

// MatchSpec 协议层的报文头匹配条件
// 零值匹配任意报文，只有通过Set方法设置过的字段才参与匹配
type MatchSpec struct {
	fields     MatchField
	etherType  uint16
	ipProtocol uint8
	srcIP      net.IP
	dstIP      net.IP
	srcPort    uint16
	dstPort    uint16
}

func (m *MatchSpec) SetEtherType(t uint16) {
	m.etherType = t
	m.fields |= FieldEtherType
}

func (m *MatchSpec) SetIPProtocol(p uint8) {
	m.ipProtocol = p
	m.fields |= FieldIPProtocol
}

// SetSrcIP 只接受IPv4地址，其它地址保持通配
func (m *MatchSpec) SetSrcIP(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	m.srcIP = append(net.IP(nil), v4...)
	m.fields |= FieldSrcIP
	return true
}

// SetDstIP 只接受IPv4地址，其它地址保持通配
func (m *MatchSpec) SetDstIP(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	m.dstIP = append(net.IP(nil), v4...)
	m.fields |= FieldDstIP
	return true
}

func (m *MatchSpec) SetSrcPort(p uint16) {
	m.srcPort = p
	m.fields |= FieldSrcPort
}

func (m *MatchSpec) SetDstPort(p uint16) {
	m.dstPort = p
	m.fields |= FieldDstPort
}

func (m MatchSpec) IsSet(f MatchField) bool {
	return m.fields&f != 0
}

// Fields 返回已设置字段的位图
func (m MatchSpec) Fields() MatchField {
	return m.fields
}

func (m MatchSpec) EtherType() (wildcard bool, etherType uint16) {
	return !m.IsSet(FieldEtherType), m.etherType
}

func (m MatchSpec) IPProtocol() (wildcard bool, protocol uint8) {
	return !m.IsSet(FieldIPProtocol), m.ipProtocol
}

func (m MatchSpec) SrcIP() (wildcard bool, ip net.IP) {
	return !m.IsSet(FieldSrcIP), m.srcIP
}

func (m MatchSpec) DstIP() (wildcard bool, ip net.IP) {
	return !m.IsSet(FieldDstIP), m.dstIP
}

func (m MatchSpec) SrcPort() (wildcard bool, port uint16) {
	return !m.IsSet(FieldSrcPort), m.srcPort
}

func (m MatchSpec) DstPort() (wildcard bool, port uint16) {
	return !m.IsSet(FieldDstPort), m.dstPort
}

// Key 返回匹配元组的规范化字符串，相同的匹配条件得到相同的Key
func (m MatchSpec) Key() string {
	parts := make([]string, 0, 6)
	if wc, v := m.EtherType(); wc {
		parts = append(parts, "eth=*")
	} else {
		parts = append(parts, fmt.Sprintf("eth=0x%04x", v))
	}
	if wc, v := m.IPProtocol(); wc {
		parts = append(parts, "proto=*")
	} else {
		parts = append(parts, fmt.Sprintf("proto=%d", v))
	}
	if wc, v := m.SrcIP(); wc {
		parts = append(parts, "src=*")
	} else {
		parts = append(parts, "src="+v.String())
	}
	if wc, v := m.DstIP(); wc {
		parts = append(parts, "dst=*")
	} else {
		parts = append(parts, "dst="+v.String())
	}
	if wc, v := m.SrcPort(); wc {
		parts = append(parts, "sport=*")
	} else {
		parts = append(parts, fmt.Sprintf("sport=%d", v))
	}
	if wc, v := m.DstPort(); wc {
		parts = append(parts, "dport=*")
	} else {
		parts = append(parts, fmt.Sprintf("dport=%d", v))
	}
	return strings.Join(parts, ",")
}

func (m MatchSpec) String() string {
	return m.Key()
}

// Cookie 由匹配元组派生，用于在交换机上标识同一条drop表项
func (m MatchSpec) Cookie() uint64 {
	h := fnv.New64a()
	h.Write([]byte(m.Key()))
	return h.Sum64()
}

// InstallCommand 下发指令的类型
type InstallCommand uint8

const (
	// CommandAdd 新增表项，(match, priority) 完全相同的表项会被替换
	CommandAdd InstallCommand = iota
)

// DefaultPriority 与OpenFlow 1.0的OFP_DEFAULT_PRIORITY一致
const DefaultPriority uint16 = 0x8000

// Action 转发动作，drop指令的动作列表为空
type Action interface {
	ActionType() uint16
}

// InstallDirective 下发给交换机的安装指令
// Actions为空即约定的“丢弃匹配流量”
type InstallDirective struct {
	Match    MatchSpec
	Actions  []Action
	Command  InstallCommand
	Priority uint16
	Cookie   uint64
}

// NewDropDirective 根据匹配条件构造drop指令
func NewDropDirective(match MatchSpec) *InstallDirective {
	return &InstallDirective{
		Match:    match,
		Actions:  nil,
		Command:  CommandAdd,
		Priority: DefaultPriority,
		Cookie:   match.Cookie(),
	}
}

// IsDrop 动作列表为空即为drop
func (d *InstallDirective) IsDrop() bool {
	return len(d.Actions) == 0
}
