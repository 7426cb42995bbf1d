package ruleEngine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/haolipeng/sdn_firewall/pkg/types"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RulesKey 规则文件中规则数组的字段名
const RulesKey = "rules"

// Rejection 被丢弃的规则及原因
type Rejection struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// LoadResult 规则加载结果
// 加载失败时RuleSet为空规则集，Err记录失败原因，进程继续运行且不过滤任何流量
type LoadResult struct {
	RuleSet  *RuleSet
	Valid    int
	Total    int
	Rejected []Rejection
	Err      error
}

// RuleLoader 负责读取和校验规则文件
type RuleLoader struct {
	logger logrus.FieldLogger
}

// NewRuleLoader 创建一个新的规则加载器
func NewRuleLoader(logger logrus.FieldLogger) *RuleLoader {
	return &RuleLoader{logger: logger}
}

// collector 跨文件累积规则，保证规则序号连续
type collector struct {
	rules    []Rule
	rejected []Rejection
	total    int
	errs     []error
}

func (c *collector) result() *LoadResult {
	return &LoadResult{
		RuleSet:  NewRuleSet(c.rules),
		Valid:    len(c.rules),
		Total:    c.total,
		Rejected: c.rejected,
		Err:      errors.Join(c.errs...),
	}
}

// Load 加载规则，path为目录时加载目录下所有规则文件
func (rl *RuleLoader) Load(path string) *LoadResult {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return rl.LoadRulesFromDirectory(path)
	}
	return rl.LoadRuleFromFile(path)
}

// LoadRuleFromFile 从单个文件加载规则
func (rl *RuleLoader) LoadRuleFromFile(filePath string) *LoadResult {
	c := &collector{}
	rl.loadFile(c, filePath)
	return c.result()
}

// LoadRulesFromDirectory 按文件名顺序加载目录下的 .json/.yaml/.yml 文件
// 单个文件失败不影响其它文件
func (rl *RuleLoader) LoadRulesFromDirectory(dirPath string) *LoadResult {
	c := &collector{}

	files, err := os.ReadDir(dirPath)
	if err != nil {
		rl.fail(c, dirPath, fmt.Errorf("%w: read directory: %v", types.ErrSourceUnavailable, err))
		return c.result()
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		switch filepath.Ext(file.Name()) {
		case ".json", ".yaml", ".yml":
			names = append(names, file.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		rl.logger.WithField("dir", dirPath).Warn("No rule files found in directory")
	}
	for _, name := range names {
		rl.loadFile(c, filepath.Join(dirPath, name))
	}
	return c.result()
}

// LoadFromBytes 从内存中的规则文件内容加载，source仅用于日志
func (rl *RuleLoader) LoadFromBytes(data []byte, source string) *LoadResult {
	c := &collector{}
	rl.loadBytes(c, data, source)
	return c.result()
}

func (rl *RuleLoader) loadFile(c *collector, filePath string) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		rl.fail(c, filePath, fmt.Errorf("%w: %v", types.ErrSourceUnavailable, err))
		return
	}
	rl.loadBytes(c, data, filePath)
}

func (rl *RuleLoader) loadBytes(c *collector, data []byte, source string) {
	// 第一阶段：通用解码
	doc, err := decodeDocument(data, source)
	if err != nil {
		rl.fail(c, source, fmt.Errorf("%w: %v", types.ErrMalformedSource, err))
		return
	}
	if err := checkDocument(doc); err != nil {
		rl.fail(c, source, fmt.Errorf("%w: %v", types.ErrMalformedSource, err))
		return
	}

	root, _ := doc.(map[string]interface{})
	entries, _ := root[RulesKey].([]interface{})
	if len(entries) == 0 {
		rl.logger.WithField("source", source).Warn("Rule source contains no rules")
		return
	}

	// 第二阶段：逐条校验，保持源文件顺序
	before := len(c.rules)
	for i, entry := range entries {
		c.total++
		index := c.total
		outcome := Validate(entry)
		rule, ok := outcome.Rule()
		if !ok {
			c.rejected = append(c.rejected, Rejection{Index: index, Source: source, Reason: outcome.Reason()})
			rl.logger.WithFields(logrus.Fields{
				"source": source,
				"index":  index,
				"entry":  i + 1,
				"reason": outcome.Reason(),
			}).Error("Rule ignored due to validation errors")
			continue
		}
		rule.Index = index
		c.rules = append(c.rules, rule)
	}

	rl.logger.WithFields(logrus.Fields{
		"source": source,
		"valid":  len(c.rules) - before,
		"total":  len(entries),
	}).Infof("Rules loaded from %s: %d valid of %d total", source, len(c.rules)-before, len(entries))
}

// decodeDocument .json文件或以{开头的内容按JSON解码，其余按YAML解码
// JSON中重复的键以最后一个为准，不会导致整个文件加载失败
func decodeDocument(data []byte, source string) (interface{}, error) {
	if filepath.Ext(source) == ".json" || bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return DecodeJSON(data)
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DecodeJSON 解码单个JSON值，数字保留为json.Number以免大整数丢失精度
func DecodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return doc, nil
}

func (rl *RuleLoader) fail(c *collector, source string, err error) {
	err = types.NewFirewallError(types.StageLoad, err)
	c.errs = append(c.errs, err)
	rl.logger.WithFields(logrus.Fields{
		"source": source,
		"error":  err.Error(),
	}).Error("Failed to load rules, no filtering will be applied from this source")
}
