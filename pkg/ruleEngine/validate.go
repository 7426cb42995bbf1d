package ruleEngine

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/haolipeng/sdn_firewall/pkg/types"
)

// 规则条目中的字段名
const (
	fieldSwitch      = "switch"
	fieldSrcIP       = "src_ip"
	fieldDstIP       = "dst_ip"
	fieldProtocol    = "protocol"
	fieldSrcPort     = "src_port"
	fieldDstPort     = "dst_port"
	fieldEtherType   = "ethertype"
	fieldDLType      = "dl_type" // ethertype的别名
	fieldDescription = "description"
)

// matchingFields 至少需要出现其中一个字段，规则才有匹配意义
var matchingFields = []string{
	fieldSrcIP, fieldDstIP, fieldProtocol, fieldSrcPort, fieldDstPort, fieldEtherType, fieldDLType,
}

// Outcome 单条规则的校验结果：Valid(Rule) 或 Invalid(reason)
type Outcome struct {
	rule   Rule
	reason string
	valid  bool
}

func valid(r Rule) Outcome {
	return Outcome{rule: r, valid: true}
}

func invalid(format string, args ...interface{}) Outcome {
	return Outcome{reason: fmt.Sprintf(format, args...)}
}

func (o Outcome) IsValid() bool {
	return o.valid
}

// Rule 仅在IsValid为true时有意义
func (o Outcome) Rule() (Rule, bool) {
	return o.rule, o.valid
}

// Reason 校验失败的原因
func (o Outcome) Reason() string {
	return o.reason
}

// Err 将校验失败转换为错误，校验通过时返回nil
func (o Outcome) Err() error {
	if o.valid {
		return nil
	}
	return types.NewFirewallError(types.StageValidate, fmt.Errorf("%w: %s", types.ErrRuleValidation, o.reason))
}

// Validate 校验一条未经类型化的规则条目
// entry通常来自对规则文件的通用解码，校验通过后不再保留原始map
func Validate(entry interface{}) Outcome {
	fields, ok := entry.(map[string]interface{})
	if !ok {
		return invalid("rule is not an object")
	}

	if !hasAny(fields, matchingFields) {
		return invalid("rule has no matching fields")
	}

	rule := Rule{SwitchID: DefaultSwitchID}

	// 协议
	if raw, ok := fields[fieldProtocol]; ok {
		s, isString := raw.(string)
		if !isString {
			return invalid("protocol must be a string, got %v", raw)
		}
		proto, known := ParseProtocol(s)
		if !known {
			return invalid("invalid protocol %q (must be TCP, UDP or ICMP)", s)
		}
		rule.Protocol = proto
	}

	_, hasSrcPort := fields[fieldSrcPort]
	_, hasDstPort := fields[fieldDstPort]
	hasPorts := hasSrcPort || hasDstPort

	if rule.Protocol == ProtocolICMP && hasPorts {
		return invalid("ICMP rules cannot specify ports")
	}
	if hasPorts && !rule.Protocol.HasPorts() {
		return invalid("ports require protocol TCP or UDP")
	}

	// IP地址
	for _, name := range []string{fieldSrcIP, fieldDstIP} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		ip, err := parseIPv4(raw)
		if err != nil {
			return invalid("invalid %s: %v", name, err)
		}
		if name == fieldSrcIP {
			rule.SrcIP = ip
		} else {
			rule.DstIP = ip
		}
	}

	// 端口
	for _, name := range []string{fieldSrcPort, fieldDstPort} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		port, ok := toInteger(raw, 10)
		if !ok {
			return invalid("invalid %s: %v", name, raw)
		}
		if port < MinPort || port > MaxPort {
			return invalid("%s out of range [%d, %d]: %d", name, MinPort, MaxPort, port)
		}
		if name == fieldSrcPort {
			rule.SrcPort = uint16(port)
		} else {
			rule.DstPort = uint16(port)
		}
	}

	// ethertype，优先使用ethertype字段
	for _, name := range []string{fieldEtherType, fieldDLType} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		et, ok := toInteger(raw, 0)
		if !ok || et < 0 || et > math.MaxUint16 {
			return invalid("invalid %s: %v", name, raw)
		}
		rule.EtherType = uint16(et)
		rule.HasEtherType = true
		break
	}

	if raw, ok := fields[fieldSwitch]; ok {
		id, ok := toSwitchID(raw)
		if !ok {
			return invalid("invalid switch: %v", raw)
		}
		rule.SwitchID = id
	}

	if raw, ok := fields[fieldDescription]; ok && raw != nil {
		if s, isString := raw.(string); isString {
			rule.Description = s
		} else {
			rule.Description = fmt.Sprint(raw)
		}
	}

	return valid(rule)
}

func hasAny(fields map[string]interface{}, names []string) bool {
	for _, name := range names {
		if _, ok := fields[name]; ok {
			return true
		}
	}
	return false
}

// parseIPv4 只接受点分十进制的IPv4地址
func parseIPv4(raw interface{}) (net.IP, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("not a string: %v", raw)
	}
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		return nil, fmt.Errorf("not an IPv4 address: %q", s)
	}
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return ip, nil
}

// toInteger 接受整数、整数值的浮点数以及数字字符串，base为0时字符串可以带0x前缀
func toInteger(raw interface{}, base int) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return toInteger(f, base)
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return 0, false
		}
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), base, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// toSwitchID datapath id为64位无符号整数
func toSwitchID(raw interface{}) (uint64, bool) {
	if v, ok := raw.(uint64); ok {
		return v, true
	}
	if s, ok := raw.(string); ok {
		id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		return id, err == nil
	}
	if n, ok := raw.(json.Number); ok {
		if id, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return id, true
		}
	}
	id, ok := toInteger(raw, 10)
	if !ok || id < 0 {
		return 0, false
	}
	return uint64(id), true
}
