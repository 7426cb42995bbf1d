package api

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/haolipeng/sdn_firewall/pkg/processor"
	"github.com/haolipeng/sdn_firewall/pkg/ruleEngine"
	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// LoadSummary 启动时规则加载的结果
type LoadSummary struct {
	Source   string                 `json:"source"`
	Valid    int                    `json:"valid"`
	Total    int                    `json:"total"`
	Rejected []ruleEngine.Rejection `json:"rejected"`
	Error    string                 `json:"error,omitempty"`
}

// ProbeRequest 十六进制编码的以太网帧
type ProbeRequest struct {
	Frame string `json:"frame"`
}

type ProbeResult struct {
	SwitchID string               `json:"switch"`
	Dropped  bool                 `json:"dropped"`
	Rule     *ruleEngine.RuleView `json:"rule,omitempty"`
}

// FirewallService 防火墙只读查询服务
type FirewallService struct {
	source     string
	load       *ruleEngine.LoadResult
	dispatcher *processor.SwitchRuleDispatcher
	logger     logrus.FieldLogger
}

func NewFirewallService(source string, load *ruleEngine.LoadResult, dispatcher *processor.SwitchRuleDispatcher, logger logrus.FieldLogger) *FirewallService {
	return &FirewallService{
		source:     source,
		load:       load,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func parseSwitchID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, NewInvalidSwitchIDError(raw)
	}
	return id, nil
}

func views(rules []ruleEngine.Rule) []ruleEngine.RuleView {
	out := make([]ruleEngine.RuleView, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.View())
	}
	return out
}

// GetRules 获取已加载的规则
// 查询参数：switch 只返回目标为该交换机的规则；filter CEL表达式，例如 rule.protocol == "TCP"
func (fs *FirewallService) GetRules(c echo.Context) error {
	rules := fs.dispatcher.RuleSet().Rules()

	if raw := c.QueryParam("switch"); raw != "" {
		id, err := parseSwitchID(raw)
		if err != nil {
			return HandleError(c, fs.logger, err)
		}
		rules = fs.dispatcher.RuleSet().ForSwitch(id)
	}

	if expr := c.QueryParam("filter"); expr != "" {
		selector, err := ruleEngine.NewSelector(expr)
		if err != nil {
			return HandleError(c, fs.logger, NewInvalidFilterError(err))
		}
		rules = selector.Select(rules)
	}

	fs.logger.WithFields(logrus.Fields{
		"rule_count": len(rules),
		"switch":     c.QueryParam("switch"),
		"filter":     c.QueryParam("filter"),
	}).Debug("List rules")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取规则成功",
		Data:    views(rules),
	})
}

// GetLoadSummary 规则加载结果，包括被丢弃的规则及原因
func (fs *FirewallService) GetLoadSummary(c echo.Context) error {
	summary := LoadSummary{
		Source:   fs.source,
		Rejected: []ruleEngine.Rejection{},
	}
	if fs.load != nil {
		summary.Valid = fs.load.Valid
		summary.Total = fs.load.Total
		if len(fs.load.Rejected) > 0 {
			summary.Rejected = fs.load.Rejected
		}
		if fs.load.Err != nil {
			summary.Error = fs.load.Err.Error()
		}
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取加载结果成功",
		Data:    summary,
	})
}

func (fs *FirewallService) GetSwitches(c echo.Context) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取交换机状态成功",
		Data:    fs.dispatcher.Statuses(),
	})
}

func (fs *FirewallService) GetSwitch(c echo.Context) error {
	id, err := parseSwitchID(c.Param("switch_id"))
	if err != nil {
		return HandleError(c, fs.logger, err)
	}

	status, ok := fs.dispatcher.Status(id)
	if !ok {
		return HandleError(c, fs.logger, NewSwitchNotFoundError(types.DPIDString(id)))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取交换机状态成功",
		Data:    status,
	})
}

// ValidateRule 按加载时相同的规则校验单条规则，不修改已加载的规则集
func (fs *FirewallService) ValidateRule(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return HandleError(c, fs.logger, NewBadRequestError("读取请求体失败", err))
	}

	entry, err := ruleEngine.DecodeJSON(body)
	if err != nil {
		return HandleError(c, fs.logger, NewInvalidRuleFormatError(err))
	}

	outcome := ruleEngine.Validate(entry)
	rule, ok := outcome.Rule()
	if !ok {
		return HandleError(c, fs.logger, NewRuleValidationError(outcome.Reason(), outcome.Err()))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "规则校验通过",
		Data:    rule.View(),
	})
}

// ProbeFrame 判断一个以太网帧在该交换机上是否会被已加载的规则丢弃
func (fs *FirewallService) ProbeFrame(c echo.Context) error {
	id, err := parseSwitchID(c.Param("switch_id"))
	if err != nil {
		return HandleError(c, fs.logger, err)
	}

	var req ProbeRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(c, fs.logger, NewBadRequestError("探测请求格式无效", err))
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(req.Frame)
	frame, err := hex.DecodeString(cleaned)
	if err != nil || len(frame) == 0 {
		if err == nil {
			err = fmt.Errorf("frame is empty")
		}
		return HandleError(c, fs.logger, NewBadRequestError("以太网帧格式无效", err))
	}

	result := ProbeResult{SwitchID: types.DPIDString(id)}
	if rule, dropped := fs.dispatcher.Probe(id, frame); dropped {
		view := rule.View()
		result.Dropped = true
		result.Rule = &view
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "探测完成",
		Data:    result,
	})
}
