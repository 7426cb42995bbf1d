package processor

import (
	"github.com/haolipeng/gopacket/layers"
	"github.com/haolipeng/sdn_firewall/pkg/ruleEngine"
	"github.com/haolipeng/sdn_firewall/pkg/types"
)

// protocolNumbers 规则协议到IP协议号的映射：TCP=6，UDP=17，ICMP=1
var protocolNumbers = map[ruleEngine.Protocol]layers.IPProtocol{
	ruleEngine.ProtocolTCP:  layers.IPProtocolTCP,
	ruleEngine.ProtocolUDP:  layers.IPProtocolUDP,
	ruleEngine.ProtocolICMP: layers.IPProtocolICMPv4,
}

// CompileMatch 将一条已校验的规则转换为匹配条件
// 未配置的字段保持通配；遇到校验阶段本应排除的状态时，将对应字段通配而不是报错
func CompileMatch(rule ruleEngine.Rule) types.MatchSpec {
	var match types.MatchSpec

	// ethertype：显式配置优先，否则只要有IP层字段就使用IPv4
	if rule.HasEtherType {
		match.SetEtherType(rule.EtherType)
	} else if rule.HasIPFields() {
		match.SetEtherType(uint16(layers.EthernetTypeIPv4))
	}

	if rule.SrcIP != nil {
		match.SetSrcIP(rule.SrcIP)
	}
	if rule.DstIP != nil {
		match.SetDstIP(rule.DstIP)
	}

	if proto, ok := protocolNumbers[rule.Protocol]; ok {
		match.SetIPProtocol(uint8(proto))
	}

	// 端口只对TCP/UDP有意义
	if rule.Protocol.HasPorts() {
		if rule.SrcPort != 0 {
			match.SetSrcPort(rule.SrcPort)
		}
		if rule.DstPort != 0 {
			match.SetDstPort(rule.DstPort)
		}
	}

	return match
}
