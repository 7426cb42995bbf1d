package ruleEngine

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema 约束规则文件的整体结构，单条规则的内容由Validate负责校验
const documentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"rules": {
			"type": ["array", "null"]
		}
	}
}`

var documentSchemaLoader = gojsonschema.NewStringLoader(documentSchema)

// checkDocument 检查解码后的规则文件是否为包含rules数组的对象
func checkDocument(doc interface{}) error {
	if doc == nil {
		return fmt.Errorf("empty document")
	}

	result, err := gojsonschema.Validate(documentSchemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema check failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("document does not match schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
