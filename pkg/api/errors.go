package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// 错误代码常量
const (
	ErrCodeInternalServerError = http.StatusInternalServerError
	ErrCodeBadRequest          = http.StatusBadRequest
	ErrCodeNotFound            = http.StatusNotFound

	// 规则相关错误
	ErrCodeInvalidRuleFormat  = http.StatusBadRequest
	ErrCodeRuleValidationFail = http.StatusUnprocessableEntity
	ErrCodeInvalidFilter      = http.StatusBadRequest

	// 交换机相关错误
	ErrCodeInvalidSwitchID = http.StatusBadRequest
	ErrCodeSwitchNotFound  = http.StatusNotFound
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RuleError 自定义API错误类型
type RuleError struct {
	Code    int         // HTTP 状态码
	Message string      // 错误消息
	Err     error       // 原始错误
	Data    interface{} // 附加数据（可选）
}

func (e *RuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

func NewRuleError(code int, message string, err error) *RuleError {
	return &RuleError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInvalidRuleFormatError 请求体不是合法的规则文档
func NewInvalidRuleFormatError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInvalidRuleFormat,
		Message: "规则格式无效",
		Err:     err,
	}
}

// NewRuleValidationError 规则未通过校验，reason原样返回给调用方
func NewRuleValidationError(reason string, err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeRuleValidationFail,
		Message: "规则验证失败",
		Err:     err,
		Data:    map[string]string{"reason": reason},
	}
}

func NewInvalidFilterError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInvalidFilter,
		Message: "过滤表达式无效",
		Err:     err,
	}
}

func NewInvalidSwitchIDError(raw string) *RuleError {
	return &RuleError{
		Code:    ErrCodeInvalidSwitchID,
		Message: fmt.Sprintf("交换机ID %q 无效", raw),
	}
}

func NewSwitchNotFoundError(dpid string) *RuleError {
	return &RuleError{
		Code:    ErrCodeSwitchNotFound,
		Message: fmt.Sprintf("交换机 %s 尚未连接", dpid),
	}
}

func NewBadRequestError(message string, err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternalServerError(err error) *RuleError {
	return &RuleError{
		Code:    ErrCodeInternalServerError,
		Message: "服务器内部错误",
		Err:     err,
	}
}

// HandleError 统一错误处理函数
func HandleError(c echo.Context, logger logrus.FieldLogger, err error) error {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
		"path":       c.Request().URL.Path,
		"method":     c.Request().Method,
	}).Warn("API 错误")

	if ruleErr, ok := err.(*RuleError); ok {
		resp := Response{
			Code:    ruleErr.Code,
			Message: ruleErr.Message,
			Data:    ruleErr.Data,
		}
		if resp.Data == nil && ruleErr.Err != nil {
			resp.Data = map[string]string{
				"error_detail": ruleErr.Err.Error(),
			}
		}
		return c.JSON(ruleErr.Code, resp)
	}

	return c.JSON(http.StatusInternalServerError, Response{
		Code:    http.StatusInternalServerError,
		Message: "服务器内部错误",
	})
}
