package processor

import (
	"net"

	"github.com/haolipeng/gopacket"
	"github.com/haolipeng/gopacket/layers"
	"github.com/haolipeng/sdn_firewall/pkg/types"
)

// MatchPacket 判断一个以太网帧是否命中匹配条件
// 与交换机的匹配语义一致：已设置的字段要求报文中存在对应的协议层且取值相等。
// ARP报文的IP地址字段对应发送方/目标协议地址，协议号对应操作码的低8位
func MatchPacket(match types.MatchSpec, packet gopacket.Packet) bool {
	if wc, want := match.EtherType(); !wc {
		etherType, ok := packetEtherType(packet)
		if !ok || uint16(etherType) != want {
			return false
		}
	}

	needIP := match.IsSet(types.FieldIPProtocol) || match.IsSet(types.FieldSrcIP) || match.IsSet(types.FieldDstIP)
	needPorts := match.IsSet(types.FieldSrcPort) || match.IsSet(types.FieldDstPort)
	if !needIP && !needPorts {
		return true
	}

	ipLayer, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ipLayer == nil {
		arp, ok := packet.Layer(layers.LayerTypeARP).(*layers.ARP)
		if !ok || needPorts {
			return false
		}
		return matchARP(match, arp)
	}
	if wc, want := match.IPProtocol(); !wc && uint8(ipLayer.Protocol) != want {
		return false
	}
	if wc, want := match.SrcIP(); !wc && !ipLayer.SrcIP.Equal(want) {
		return false
	}
	if wc, want := match.DstIP(); !wc && !ipLayer.DstIP.Equal(want) {
		return false
	}

	if !needPorts {
		return true
	}
	srcPort, dstPort, ok := transportPorts(packet)
	if !ok {
		return false
	}
	if wc, want := match.SrcPort(); !wc && srcPort != want {
		return false
	}
	if wc, want := match.DstPort(); !wc && dstPort != want {
		return false
	}
	return true
}

func matchARP(match types.MatchSpec, arp *layers.ARP) bool {
	if wc, want := match.IPProtocol(); !wc && uint8(arp.Operation) != want {
		return false
	}
	if wc, want := match.SrcIP(); !wc && !net.IP(arp.SourceProtAddress).Equal(want) {
		return false
	}
	if wc, want := match.DstIP(); !wc && !net.IP(arp.DstProtAddress).Equal(want) {
		return false
	}
	return true
}

// packetEtherType 带VLAN标签时返回内层类型
func packetEtherType(packet gopacket.Packet) (layers.EthernetType, bool) {
	if dot1q, ok := packet.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		return dot1q.Type, true
	}
	if eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		return eth.EthernetType, true
	}
	return 0, false
}

func transportPorts(packet gopacket.Packet) (uint16, uint16, bool) {
	if tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		return uint16(tcp.SrcPort), uint16(tcp.DstPort), true
	}
	if udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		return uint16(udp.SrcPort), uint16(udp.DstPort), true
	}
	return 0, 0, false
}

// DecodeFrame 解码以太网帧
func DecodeFrame(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
}
