package processor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haolipeng/sdn_firewall/pkg/controller"
	"github.com/haolipeng/sdn_firewall/pkg/metrics"
	"github.com/haolipeng/sdn_firewall/pkg/ruleEngine"
	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/sirupsen/logrus"
)

// SwitchStatus 某台交换机最近一次连接的下发情况
type SwitchStatus struct {
	SwitchID      uint64    `json:"switch_id"`
	DPID          string    `json:"dpid"`
	Connects      int       `json:"connects"`
	LastSession   string    `json:"last_session"`
	LastConnected time.Time `json:"last_connected"`
	Controlled    bool      `json:"controlled"`
	Applicable    int       `json:"applicable"`
	Installed     int       `json:"installed"`
	Failed        int       `json:"failed"`
	Duplicates    int       `json:"duplicates"`
	MatchKeys     []string  `json:"match_keys,omitempty"` // 最近一次成功下发的匹配元组
}

// SwitchRuleDispatcher 交换机连接时选出目标为该交换机的规则，编译后逐条下发
type SwitchRuleDispatcher struct {
	rules      *ruleEngine.RuleSet
	controlled map[uint64]bool // 为空表示所有交换机都受控
	metrics    *metrics.FirewallMetrics
	logger     logrus.FieldLogger

	mu     sync.RWMutex
	status map[uint64]*SwitchStatus
}

type DispatcherOption func(*SwitchRuleDispatcher)

// WithControlledSwitches 只对列出的交换机下发规则
func WithControlledSwitches(ids []uint64) DispatcherOption {
	return func(d *SwitchRuleDispatcher) {
		for _, id := range ids {
			d.controlled[id] = true
		}
	}
}

func WithMetrics(m *metrics.FirewallMetrics) DispatcherOption {
	return func(d *SwitchRuleDispatcher) {
		d.metrics = m
	}
}

// NewSwitchRuleDispatcher rules在进程生命周期内只读，为nil时等同于空规则集
func NewSwitchRuleDispatcher(rules *ruleEngine.RuleSet, logger logrus.FieldLogger, opts ...DispatcherOption) *SwitchRuleDispatcher {
	if rules == nil {
		rules = ruleEngine.EmptyRuleSet()
	}
	d := &SwitchRuleDispatcher{
		rules:      rules,
		controlled: make(map[uint64]bool),
		logger:     logger,
		status:     make(map[uint64]*SwitchStatus),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ controller.SwitchDispatcher = (*SwitchRuleDispatcher)(nil)

func (d *SwitchRuleDispatcher) RuleSet() *ruleEngine.RuleSet {
	return d.rules
}

func (d *SwitchRuleDispatcher) isControlled(switchID uint64) bool {
	return len(d.controlled) == 0 || d.controlled[switchID]
}

// UncontrolledRuleSwitches 返回有规则但不在受控列表中的交换机，这些规则永远不会被下发
// 启动时对每台这样的交换机输出一条告警
func (d *SwitchRuleDispatcher) UncontrolledRuleSwitches() []uint64 {
	var ids []uint64
	for _, id := range d.rules.SwitchIDs() {
		if d.isControlled(id) {
			continue
		}
		ids = append(ids, id)
		d.logger.WithFields(logrus.Fields{
			"switch": types.DPIDString(id),
			"rules":  len(d.rules.ForSwitch(id)),
		}).Warnf("Switch %s has rules but is not in controlled_switches, its rules will never be installed", types.DPIDString(id))
	}
	return ids
}

// OnConnect 处理一次交换机连接
// 每次连接都会完整地重新下发规则；匹配元组相同的规则只发送一次，
// 指令的cookie由匹配元组派生，交换机上相同(match, priority)的表项被替换而不会累积
func (d *SwitchRuleDispatcher) OnConnect(switchID uint64, conn controller.Connection) types.DispatchResult {
	start := time.Now()
	dpid := types.DPIDString(switchID)
	result := types.DispatchResult{
		SessionID:  uuid.NewString(),
		SwitchID:   switchID,
		Controlled: d.isControlled(switchID),
	}
	log := d.logger.WithFields(logrus.Fields{
		"switch":  dpid,
		"session": result.SessionID,
	})
	log.Infof("Switch %s connected", dpid)

	var installedKeys []string
	defer func() {
		d.record(result, installedKeys, start)
		d.metrics.ObserveDispatch(switchID, result.Installed, result.Failed, result.Duplicates,
			result.Applicable == 0, time.Since(start))
	}()

	if !result.Controlled {
		log.Info("Switch is not controlled by the firewall, no rules applied")
		return result
	}

	subset := d.rules.ForSwitch(switchID)
	result.Applicable = len(subset)
	if len(subset) == 0 {
		log.Infof("No rules applicable to switch %s, leaving it open", dpid)
		return result
	}

	sent := make(map[string]int, len(subset))
	for i, rule := range subset {
		match := CompileMatch(rule)
		key := match.Key()
		ruleLog := log.WithFields(logrus.Fields{
			"rule":  rule.Index,
			"match": key,
		})

		if first, dup := sent[key]; dup {
			result.Duplicates++
			ruleLog.Warnf("  [%d/%d] %s: same match as rule %d, not sent again", i+1, len(subset), rule.Label(), first)
			continue
		}

		if err := conn.Send(types.NewDropDirective(match)); err != nil {
			err = types.NewFirewallError(types.StageDispatch,
				fmt.Errorf("%w: rule %d on switch %s: %v", types.ErrSendFailure, rule.Index, dpid, err))
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			ruleLog.WithField("error", err.Error()).Errorf("  [%d/%d] %s: send failed", i+1, len(subset), rule.Label())
			continue
		}

		sent[key] = rule.Index
		installedKeys = append(installedKeys, key)
		result.Installed++
		ruleLog.Infof("  [%d/%d] %s", i+1, len(subset), rule.Label())
	}

	log.WithFields(logrus.Fields{
		"installed":  result.Installed,
		"failed":     result.Failed,
		"duplicates": result.Duplicates,
	}).Infof("Firewall configured on %s: %d rules installed", dpid, result.Installed)
	return result
}

func (d *SwitchRuleDispatcher) record(result types.DispatchResult, keys []string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.status[result.SwitchID]
	if !ok {
		st = &SwitchStatus{
			SwitchID: result.SwitchID,
			DPID:     types.DPIDString(result.SwitchID),
		}
		d.status[result.SwitchID] = st
	}
	st.Connects++
	st.LastSession = result.SessionID
	st.LastConnected = at
	st.Controlled = result.Controlled
	st.Applicable = result.Applicable
	st.Installed = result.Installed
	st.Failed = result.Failed
	st.Duplicates = result.Duplicates
	st.MatchKeys = keys
}

// Status 返回交换机的下发状态
func (d *SwitchRuleDispatcher) Status(switchID uint64) (SwitchStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, ok := d.status[switchID]
	if !ok {
		return SwitchStatus{}, false
	}
	cp := *st
	cp.MatchKeys = append([]string(nil), st.MatchKeys...)
	return cp, true
}

// Statuses 返回所有连接过的交换机状态，按交换机ID排序
func (d *SwitchRuleDispatcher) Statuses() []SwitchStatus {
	d.mu.RLock()
	ids := make([]uint64, 0, len(d.status))
	for id := range d.status {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]SwitchStatus, 0, len(ids))
	for _, id := range ids {
		if st, ok := d.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// Probe 返回该交换机上第一条会丢弃此以太网帧的规则
func (d *SwitchRuleDispatcher) Probe(switchID uint64, frame []byte) (ruleEngine.Rule, bool) {
	if !d.isControlled(switchID) {
		return ruleEngine.Rule{}, false
	}
	packet := DecodeFrame(frame)
	for _, rule := range d.rules.ForSwitch(switchID) {
		if MatchPacket(CompileMatch(rule), packet) {
			return rule, true
		}
	}
	return ruleEngine.Rule{}, false
}
