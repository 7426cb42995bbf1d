package ruleEngine

import (
	"net"
	"strings"
)

// DefaultSwitchID 规则未指定switch字段时的目标交换机
const DefaultSwitchID uint64 = 1

// 端口取值范围
const (
	MinPort = 1
	MaxPort = 65535
)

// Protocol 规则支持的传输层协议
type Protocol uint8

const (
	ProtocolAny Protocol = iota // 未指定协议
	ProtocolTCP
	ProtocolUDP
	ProtocolICMP
)

// ParseProtocol 协议名不区分大小写
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return ProtocolTCP, true
	case "UDP":
		return ProtocolUDP, true
	case "ICMP":
		return ProtocolICMP, true
	default:
		return ProtocolAny, false
	}
}

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolICMP:
		return "ICMP"
	default:
		return ""
	}
}

// HasPorts 只有TCP和UDP允许配置端口
func (p Protocol) HasPorts() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// Rule 经过校验的防火墙规则，加载完成后不再修改
// 可选字段的缺省值：IP为nil，Protocol为ProtocolAny，端口为0，HasEtherType为false
type Rule struct {
	Index        int    // 规则在源文件中的序号，从1开始
	SwitchID     uint64 // 目标交换机
	SrcIP        net.IP // 源IPv4地址
	DstIP        net.IP // 目的IPv4地址
	Protocol     Protocol
	SrcPort      uint16
	DstPort      uint16
	EtherType    uint16
	HasEtherType bool
	Description  string
}

const noDescription = "no description"

// Label 返回用于日志的规则描述
func (r Rule) Label() string {
	if r.Description == "" {
		return noDescription
	}
	return r.Description
}

// HasIPFields 是否配置了任一IP层字段
func (r Rule) HasIPFields() bool {
	return r.SrcIP != nil || r.DstIP != nil || r.Protocol != ProtocolAny
}

// RuleView 规则的JSON展示结构
type RuleView struct {
	Index       int     `json:"index"`
	Switch      uint64  `json:"switch"`
	SrcIP       string  `json:"src_ip,omitempty"`
	DstIP       string  `json:"dst_ip,omitempty"`
	Protocol    string  `json:"protocol,omitempty"`
	SrcPort     uint16  `json:"src_port,omitempty"`
	DstPort     uint16  `json:"dst_port,omitempty"`
	EtherType   *uint16 `json:"ethertype,omitempty"`
	Description string  `json:"description,omitempty"`
}

func (r Rule) View() RuleView {
	v := RuleView{
		Index:       r.Index,
		Switch:      r.SwitchID,
		Protocol:    r.Protocol.String(),
		SrcPort:     r.SrcPort,
		DstPort:     r.DstPort,
		Description: r.Description,
	}
	if r.SrcIP != nil {
		v.SrcIP = r.SrcIP.String()
	}
	if r.DstIP != nil {
		v.DstIP = r.DstIP.String()
	}
	if r.HasEtherType {
		et := r.EtherType
		v.EtherType = &et
	}
	return v
}

// attributes 只包含已配置的字段，供CEL表达式使用
func (r Rule) attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"index":       int64(r.Index),
		"switch":      int64(r.SwitchID),
		"description": r.Description,
	}
	if r.SrcIP != nil {
		attrs["src_ip"] = r.SrcIP.String()
	}
	if r.DstIP != nil {
		attrs["dst_ip"] = r.DstIP.String()
	}
	if r.Protocol != ProtocolAny {
		attrs["protocol"] = r.Protocol.String()
	}
	if r.SrcPort != 0 {
		attrs["src_port"] = int64(r.SrcPort)
	}
	if r.DstPort != 0 {
		attrs["dst_port"] = int64(r.DstPort)
	}
	if r.HasEtherType {
		attrs["ethertype"] = int64(r.EtherType)
	}
	return attrs
}

// RuleSet 有序的规则集合，加载后只读
type RuleSet struct {
	rules []Rule
}

func NewRuleSet(rules []Rule) *RuleSet {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &RuleSet{rules: cp}
}

// EmptyRuleSet 加载失败时使用的空规则集，不对任何流量生效
func EmptyRuleSet() *RuleSet {
	return &RuleSet{}
}

func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Rules 返回规则的副本，保持源文件顺序
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	cp := make([]Rule, len(rs.rules))
	copy(cp, rs.rules)
	return cp
}

// ForSwitch 返回目标为指定交换机的规则，顺序与源文件一致
func (rs *RuleSet) ForSwitch(switchID uint64) []Rule {
	if rs == nil {
		return nil
	}
	var subset []Rule
	for _, r := range rs.rules {
		if r.SwitchID == switchID {
			subset = append(subset, r)
		}
	}
	return subset
}

// SwitchIDs 返回规则集中出现过的交换机ID，按首次出现的顺序
func (rs *RuleSet) SwitchIDs() []uint64 {
	if rs == nil {
		return nil
	}
	seen := make(map[uint64]bool)
	var ids []uint64
	for _, r := range rs.rules {
		if !seen[r.SwitchID] {
			seen[r.SwitchID] = true
			ids = append(ids, r.SwitchID)
		}
	}
	return ids
}
