package ruleEngine

import (
	"errors"
	"testing"

	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejects(t *testing.T) {
	testCases := []struct {
		name   string
		entry  interface{}
		reason string
	}{
		{"不是对象", "TCP", "not an object"},
		{"没有匹配字段", map[string]interface{}{"switch": 1, "description": "empty"}, "no matching fields"},
		{"空对象", map[string]interface{}{}, "no matching fields"},
		{"ICMP带源端口", map[string]interface{}{"protocol": "ICMP", "src_port": 5}, "ICMP"},
		{"ICMP带目的端口", map[string]interface{}{"protocol": "icmp", "dst_port": 7}, "ICMP"},
		{"端口缺少协议", map[string]interface{}{"dst_port": 80}, "require protocol"},
		{"源端口缺少协议", map[string]interface{}{"src_ip": "10.0.0.1", "src_port": 80}, "require protocol"},
		{"未知协议", map[string]interface{}{"protocol": "SCTP"}, "invalid protocol"},
		{"协议不是字符串", map[string]interface{}{"protocol": 6}, "protocol must be a string"},
		{"端口为0", map[string]interface{}{"protocol": "TCP", "dst_port": 0}, "out of range"},
		{"端口超过65535", map[string]interface{}{"protocol": "UDP", "src_port": 65536}, "out of range"},
		{"负端口", map[string]interface{}{"protocol": "UDP", "src_port": -1}, "out of range"},
		{"非整数端口", map[string]interface{}{"protocol": "TCP", "dst_port": 80.5}, "invalid dst_port"},
		{"端口为布尔值", map[string]interface{}{"protocol": "TCP", "dst_port": true}, "invalid dst_port"},
		{"端口为非数字字符串", map[string]interface{}{"protocol": "TCP", "dst_port": "http"}, "invalid dst_port"},
		{"非法IP", map[string]interface{}{"src_ip": "10.0.0.256"}, "invalid src_ip"},
		{"IPv6地址", map[string]interface{}{"dst_ip": "fe80::1"}, "invalid dst_ip"},
		{"IPv4映射的IPv6地址", map[string]interface{}{"dst_ip": "::ffff:10.0.0.1"}, "invalid dst_ip"},
		{"IP不是字符串", map[string]interface{}{"dst_ip": 167772161}, "invalid dst_ip"},
		{"IP为null", map[string]interface{}{"dst_ip": nil}, "invalid dst_ip"},
		{"ethertype超出范围", map[string]interface{}{"ethertype": 0x10000}, "invalid ethertype"},
		{"ethertype非法字符串", map[string]interface{}{"dl_type": "arp"}, "invalid dl_type"},
		{"负的switch", map[string]interface{}{"dst_ip": "10.0.0.1", "switch": -2}, "invalid switch"},
		{"switch为字符串", map[string]interface{}{"dst_ip": "10.0.0.1", "switch": "s1"}, "invalid switch"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			outcome := Validate(tc.entry)
			assert.False(t, outcome.IsValid())
			assert.Contains(t, outcome.Reason(), tc.reason)

			err := outcome.Err()
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrRuleValidation))

			_, ok := outcome.Rule()
			assert.False(t, ok)
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	testCases := []struct {
		name  string
		entry map[string]interface{}
		check func(t *testing.T, r Rule)
	}{
		{
			name:  "完整的TCP规则",
			entry: map[string]interface{}{"src_ip": "10.0.0.2", "dst_ip": "10.0.0.4", "protocol": "TCP", "dst_port": 80, "switch": 1, "description": "block http"},
			check: func(t *testing.T, r Rule) {
				assert.Equal(t, "10.0.0.2", r.SrcIP.String())
				assert.Equal(t, "10.0.0.4", r.DstIP.String())
				assert.Equal(t, ProtocolTCP, r.Protocol)
				assert.Equal(t, uint16(80), r.DstPort)
				assert.Equal(t, uint16(0), r.SrcPort)
				assert.Equal(t, "block http", r.Description)
				assert.False(t, r.HasEtherType)
			},
		},
		{
			name:  "缺省switch为1",
			entry: map[string]interface{}{"protocol": "ICMP"},
			check: func(t *testing.T, r Rule) {
				assert.Equal(t, DefaultSwitchID, r.SwitchID)
				assert.Equal(t, ProtocolICMP, r.Protocol)
				assert.Equal(t, "no description", r.Label())
			},
		},
		{
			name:  "协议不区分大小写",
			entry: map[string]interface{}{"protocol": "uDp", "src_port": 53},
			check: func(t *testing.T, r Rule) {
				assert.Equal(t, ProtocolUDP, r.Protocol)
				assert.Equal(t, uint16(53), r.SrcPort)
			},
		},
		{
			name:  "端口边界值",
			entry: map[string]interface{}{"protocol": "TCP", "src_port": 1, "dst_port": 65535},
			check: func(t *testing.T, r Rule) {
				assert.Equal(t, uint16(1), r.SrcPort)
				assert.Equal(t, uint16(65535), r.DstPort)
			},
		},
		{
			name:  "数字字符串端口",
			entry: map[string]interface{}{"protocol": "TCP", "dst_port": "8000"},
			check: func(t *testing.T, r Rule) {
				assert.Equal(t, uint16(8000), r.DstPort)
			},
		},
		{
			name:  "整数值的浮点端口",
			entry: map[string]interface{}{"protocol": "TCP", "dst_port": float64(443)},
			check: func(t *testing.T, r Rule) {
				assert.Equal(t, uint16(443), r.DstPort)
			},
		},
		{
			name:  "仅有ethertype",
			entry: map[string]interface{}{"ethertype": 0x0806},
			check: func(t *testing.T, r Rule) {
				assert.True(t, r.HasEtherType)
				assert.Equal(t, uint16(0x0806), r.EtherType)
				assert.False(t, r.HasIPFields())
			},
		},
		{
			name:  "十六进制字符串的dl_type",
			entry: map[string]interface{}{"dl_type": "0x86dd"},
			check: func(t *testing.T, r Rule) {
				assert.True(t, r.HasEtherType)
				assert.Equal(t, uint16(0x86dd), r.EtherType)
			},
		},
		{
			name:  "ethertype优先于dl_type",
			entry: map[string]interface{}{"ethertype": 0x0800, "dl_type": 0x0806},
			check: func(t *testing.T, r Rule) {
				assert.Equal(t, uint16(0x0800), r.EtherType)
			},
		},
		{
			name:  "64位datapath id",
			entry: map[string]interface{}{"dst_ip": "10.0.0.1", "switch": uint64(0xffffffffffffffff)},
			check: func(t *testing.T, r Rule) {
				assert.Equal(t, uint64(0xffffffffffffffff), r.SwitchID)
			},
		},
		{
			name:  "忽略未知字段",
			entry: map[string]interface{}{"dst_ip": "10.0.0.1", "priority": 100, "action": "allow"},
			check: func(t *testing.T, r Rule) {
				assert.Equal(t, "10.0.0.1", r.DstIP.String())
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			outcome := Validate(tc.entry)
			require.True(t, outcome.IsValid(), outcome.Reason())
			assert.NoError(t, outcome.Err())

			rule, ok := outcome.Rule()
			require.True(t, ok)
			tc.check(t, rule)
		})
	}
}

// TestRuleSetPartition 各交换机的规则子集互不相交，并集等于整个规则集，且保持源顺序
func TestRuleSetPartition(t *testing.T) {
	rs := NewRuleSet([]Rule{
		{Index: 1, SwitchID: 2},
		{Index: 2, SwitchID: 1},
		{Index: 3, SwitchID: 2},
		{Index: 4, SwitchID: 3},
		{Index: 5, SwitchID: 1},
	})

	assert.Equal(t, []uint64{2, 1, 3}, rs.SwitchIDs())

	seen := make(map[int]uint64)
	total := 0
	for _, id := range rs.SwitchIDs() {
		subset := rs.ForSwitch(id)
		last := 0
		for _, r := range subset {
			owner, dup := seen[r.Index]
			assert.False(t, dup, "rule %d already in subset of switch %d", r.Index, owner)
			seen[r.Index] = id
			assert.Greater(t, r.Index, last, "subset must keep source order")
			last = r.Index
		}
		total += len(subset)
	}
	assert.Equal(t, rs.Len(), total)
	assert.Empty(t, rs.ForSwitch(99))
}

func TestRuleSetIsReadOnly(t *testing.T) {
	source := []Rule{{Index: 1, SwitchID: 1, Description: "a"}}
	rs := NewRuleSet(source)

	source[0].Description = "changed"
	rules := rs.Rules()
	rules[0].Description = "changed again"

	assert.Equal(t, "a", rs.Rules()[0].Description)

	var empty *RuleSet
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, 0, EmptyRuleSet().Len())
}
