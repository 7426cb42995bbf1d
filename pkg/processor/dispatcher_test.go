package processor

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haolipeng/sdn_firewall/pkg/config"
	"github.com/haolipeng/sdn_firewall/pkg/metrics"
	"github.com/haolipeng/sdn_firewall/pkg/ruleEngine"
	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingConnection 记录下发的指令，failOn中的第n次发送返回错误
type recordingConnection struct {
	directives []*types.InstallDirective
	failOn     map[int]bool
	calls      int
}

func (c *recordingConnection) Send(d *types.InstallDirective) error {
	c.calls++
	if c.failOn[c.calls] {
		return errors.New("broken pipe")
	}
	c.directives = append(c.directives, d)
	return nil
}

func loadRuleSet(t *testing.T, content string) *ruleEngine.RuleSet {
	t.Helper()
	logger, _ := test.NewNullLogger()
	result := ruleEngine.NewRuleLoader(logger).LoadFromBytes([]byte(content), "test")
	require.NoError(t, result.Err)
	return result.RuleSet
}

func newTestDispatcher(rules *ruleEngine.RuleSet, opts ...DispatcherOption) (*SwitchRuleDispatcher, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewSwitchRuleDispatcher(rules, logger, opts...), hook
}

func hasMessage(hook *test.Hook, substr string) bool {
	for _, entry := range hook.AllEntries() {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

func TestDispatchSingleHTTPRule(t *testing.T) {
	rules := loadRuleSet(t, `{"rules":[{"protocol":"TCP","dst_port":80,"switch":1,"description":"block http"}]}`)
	dispatcher, hook := newTestDispatcher(rules)
	conn := &recordingConnection{}

	result := dispatcher.OnConnect(1, conn)

	assert.Equal(t, 1, result.Applicable)
	assert.Equal(t, 1, result.Installed)
	assert.Equal(t, 0, result.Failed)
	assert.NotEmpty(t, result.SessionID)
	require.Len(t, conn.directives, 1)

	d := conn.directives[0]
	assert.True(t, d.IsDrop())
	assert.Empty(t, d.Actions)
	assert.Equal(t, types.CommandAdd, d.Command)
	assert.Equal(t, types.DefaultPriority, d.Priority)
	assert.Equal(t, d.Match.Cookie(), d.Cookie)

	wc, et := d.Match.EtherType()
	assert.False(t, wc)
	assert.Equal(t, uint16(0x0800), et)
	wc, proto := d.Match.IPProtocol()
	assert.False(t, wc)
	assert.Equal(t, uint8(6), proto)
	wc, port := d.Match.DstPort()
	assert.False(t, wc)
	assert.Equal(t, uint16(80), port)
	wc, _ = d.Match.SrcIP()
	assert.True(t, wc)
	wc, _ = d.Match.DstIP()
	assert.True(t, wc)
	wc, _ = d.Match.SrcPort()
	assert.True(t, wc)

	assert.True(t, hasMessage(hook, "[1/1] block http"))
	assert.True(t, hasMessage(hook, "1 rules installed"))
}

// TestDispatchAfterMissingSource 规则文件缺失时任何交换机都不下发规则
func TestDispatchAfterMissingSource(t *testing.T) {
	logger, _ := test.NewNullLogger()
	result := ruleEngine.NewRuleLoader(logger).Load(filepath.Join(t.TempDir(), "firewall_rules.json"))
	require.Error(t, result.Err)

	dispatcher, hook := newTestDispatcher(result.RuleSet)
	for _, id := range []uint64{1, 2, 42} {
		conn := &recordingConnection{}
		res := dispatcher.OnConnect(id, conn)
		assert.Equal(t, 0, res.Installed)
		assert.Equal(t, 0, res.Applicable)
		assert.Empty(t, conn.directives)
	}
	assert.True(t, hasMessage(hook, "No rules applicable"))
}

func TestDispatchOnlyTargetSwitch(t *testing.T) {
	rules := loadRuleSet(t, `{"rules":[
		{"protocol":"TCP","dst_port":80,"switch":1,"description":"s1 http"},
		{"protocol":"UDP","dst_port":53,"switch":2,"description":"s2 dns"}
	]}`)
	dispatcher, _ := newTestDispatcher(rules)

	conn := &recordingConnection{}
	result := dispatcher.OnConnect(2, conn)

	assert.Equal(t, 1, result.Installed)
	require.Len(t, conn.directives, 1)
	_, proto := conn.directives[0].Match.IPProtocol()
	assert.Equal(t, uint8(17), proto)
	_, port := conn.directives[0].Match.DstPort()
	assert.Equal(t, uint16(53), port)
}

func TestDispatchEtherTypeOnlyRule(t *testing.T) {
	rules := loadRuleSet(t, "rules:\n  - ethertype: 0x0806\n    description: block arp\n")
	dispatcher, _ := newTestDispatcher(rules)

	conn := &recordingConnection{}
	result := dispatcher.OnConnect(1, conn)

	assert.Equal(t, 1, result.Installed)
	require.Len(t, conn.directives, 1)
	match := conn.directives[0].Match
	assert.Equal(t, types.FieldEtherType, match.Fields())
	_, et := match.EtherType()
	assert.Equal(t, uint16(0x0806), et)
}

// TestDispatchPreservesSourceOrder 下发顺序等于源文件中该交换机规则的子序列
func TestDispatchPreservesSourceOrder(t *testing.T) {
	rules := loadRuleSet(t, `{"rules":[
		{"protocol":"TCP","dst_port":1,"switch":1},
		{"protocol":"TCP","dst_port":2,"switch":2},
		{"protocol":"TCP","dst_port":3,"switch":1},
		{"protocol":"TCP","dst_port":4,"switch":1},
		{"protocol":"TCP","dst_port":5,"switch":2}
	]}`)
	dispatcher, _ := newTestDispatcher(rules)

	testCases := []struct {
		switchID uint64
		want     []uint16
	}{
		{1, []uint16{1, 3, 4}},
		{2, []uint16{2, 5}},
		{3, nil},
	}
	for _, tc := range testCases {
		conn := &recordingConnection{}
		dispatcher.OnConnect(tc.switchID, conn)

		var got []uint16
		for _, d := range conn.directives {
			_, port := d.Match.DstPort()
			got = append(got, port)
		}
		assert.Equal(t, tc.want, got, "switch %d", tc.switchID)
	}
}

func TestDispatchSendFailureContinues(t *testing.T) {
	rules := loadRuleSet(t, `{"rules":[
		{"protocol":"TCP","dst_port":80},
		{"protocol":"TCP","dst_port":443},
		{"protocol":"UDP","dst_port":53}
	]}`)
	dispatcher, hook := newTestDispatcher(rules)

	conn := &recordingConnection{failOn: map[int]bool{2: true}}
	result := dispatcher.OnConnect(1, conn)

	assert.Equal(t, 3, result.Applicable)
	assert.Equal(t, 2, result.Installed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], types.ErrSendFailure.Error())
	assert.Len(t, conn.directives, 2)
	assert.True(t, hasMessage(hook, "send failed"))

	st, ok := dispatcher.Status(1)
	require.True(t, ok)
	assert.Len(t, st.MatchKeys, 2)
}

// TestDispatchReconnect 重连时重新下发全部规则，cookie由匹配元组决定保持不变
func TestDispatchReconnect(t *testing.T) {
	rules := loadRuleSet(t, `{"rules":[{"protocol":"TCP","dst_port":80},{"dst_ip":"10.0.0.3"}]}`)
	dispatcher, _ := newTestDispatcher(rules)

	first := &recordingConnection{}
	second := &recordingConnection{}
	r1 := dispatcher.OnConnect(1, first)
	r2 := dispatcher.OnConnect(1, second)

	assert.Equal(t, 2, r1.Installed)
	assert.Equal(t, 2, r2.Installed)
	assert.NotEqual(t, r1.SessionID, r2.SessionID)
	require.Len(t, second.directives, 2)
	for i := range first.directives {
		assert.Equal(t, first.directives[i].Cookie, second.directives[i].Cookie)
		assert.Equal(t, first.directives[i].Match.Key(), second.directives[i].Match.Key())
	}

	st, ok := dispatcher.Status(1)
	require.True(t, ok)
	assert.Equal(t, 2, st.Connects)
	assert.Equal(t, r2.SessionID, st.LastSession)
	assert.Equal(t, "00-00-00-00-00-01", st.DPID)
}

func TestDispatchDuplicateMatch(t *testing.T) {
	rules := loadRuleSet(t, `{"rules":[
		{"protocol":"tcp","dst_port":80,"description":"web"},
		{"protocol":"TCP","dst_port":"80","description":"web again"},
		{"protocol":"TCP","dst_port":8080}
	]}`)
	dispatcher, hook := newTestDispatcher(rules)

	conn := &recordingConnection{}
	result := dispatcher.OnConnect(1, conn)

	assert.Equal(t, 3, result.Applicable)
	assert.Equal(t, 2, result.Installed)
	assert.Equal(t, 1, result.Duplicates)
	assert.Len(t, conn.directives, 2)
	assert.True(t, hasMessage(hook, "same match as rule 1"))
}

func TestDispatchControlledSwitches(t *testing.T) {
	rules := loadRuleSet(t, `{"rules":[{"protocol":"ICMP","switch":1},{"protocol":"ICMP","switch":2}]}`)
	dispatcher, _ := newTestDispatcher(rules, WithControlledSwitches([]uint64{1}))

	conn := &recordingConnection{}
	result := dispatcher.OnConnect(2, conn)
	assert.False(t, result.Controlled)
	assert.Empty(t, conn.directives)

	result = dispatcher.OnConnect(1, conn)
	assert.True(t, result.Controlled)
	assert.Equal(t, 1, result.Installed)
}

func TestUncontrolledRuleSwitches(t *testing.T) {
	rules := loadRuleSet(t, `{"rules":[
		{"protocol":"ICMP","switch":1},
		{"protocol":"ICMP","switch":2},
		{"dst_ip":"10.0.0.2","switch":3},
		{"dst_ip":"10.0.0.3","switch":2}
	]}`)

	testCases := []struct {
		name       string
		controlled []uint64
		want       []uint64
	}{
		{name: "未配置受控列表", controlled: nil, want: nil},
		{name: "全部覆盖", controlled: []uint64{1, 2, 3}, want: nil},
		{name: "部分覆盖", controlled: []uint64{1}, want: []uint64{2, 3}},
		{name: "列表中没有规则所在交换机", controlled: []uint64{9}, want: []uint64{1, 2, 3}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dispatcher, hook := newTestDispatcher(rules, WithControlledSwitches(tc.controlled))

			assert.Equal(t, tc.want, dispatcher.UncontrolledRuleSwitches())

			var warned []string
			for _, entry := range hook.AllEntries() {
				if entry.Level == logrus.WarnLevel {
					warned = append(warned, entry.Data["switch"].(string))
				}
			}
			require.Len(t, warned, len(tc.want))
			for i, id := range tc.want {
				assert.Equal(t, types.DPIDString(id), warned[i])
			}
		})
	}
}

// TestShippedConfigControlsEverySwitch 默认配置下任意交换机上的规则都会被下发
func TestShippedConfigControlsEverySwitch(t *testing.T) {
	cfg, err := config.LoadConfig("../../config.yaml")
	require.NoError(t, err)

	rules := loadRuleSet(t, `{"rules":[{"src_ip":"10.0.0.2","dst_ip":"10.0.0.3","switch":2}]}`)
	dispatcher, hook := newTestDispatcher(rules, WithControlledSwitches(cfg.Controller.ControlledSwitches))
	assert.Empty(t, dispatcher.UncontrolledRuleSwitches())

	conn := &recordingConnection{}
	result := dispatcher.OnConnect(2, conn)
	assert.True(t, result.Controlled)
	assert.Equal(t, 1, result.Installed)
	assert.Len(t, conn.directives, 1)
	assert.False(t, hasMessage(hook, "not controlled"))
}

func TestDispatchMetrics(t *testing.T) {
	rules := loadRuleSet(t, `{"rules":[{"protocol":"ICMP"},{"protocol":"ICMP"}]}`)
	m := metrics.NewFirewallMetrics(prometheus.NewRegistry())
	dispatcher, _ := newTestDispatcher(rules, WithMetrics(m))

	dispatcher.OnConnect(1, &recordingConnection{})
	dispatcher.OnConnect(7, &recordingConnection{})

	stats := m.GetStats()
	assert.Equal(t, uint64(2), stats["connects"])
	assert.Equal(t, uint64(1), stats["installed"])
	assert.Equal(t, uint64(1), stats["duplicates"])
	assert.Equal(t, uint64(1), stats["no_rules"])
}

func TestStatusesSorted(t *testing.T) {
	dispatcher, _ := newTestDispatcher(nil)
	dispatcher.OnConnect(3, &recordingConnection{})
	dispatcher.OnConnect(1, &recordingConnection{})

	statuses := dispatcher.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, uint64(1), statuses[0].SwitchID)
	assert.Equal(t, uint64(3), statuses[1].SwitchID)

	_, ok := dispatcher.Status(9)
	assert.False(t, ok)
}
