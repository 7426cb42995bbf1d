package types

import (
	"fmt"
	"strings"
)

// DispatchResult 一次交换机连接事件的规则下发结果
type DispatchResult struct {
	SessionID  string   `json:"session_id"`
	SwitchID   uint64   `json:"switch_id"`
	Controlled bool     `json:"controlled"`
	Applicable int      `json:"applicable"` // 目标为该交换机的规则数
	Installed  int      `json:"installed"`  // 发送成功的指令数
	Failed     int      `json:"failed"`     // 发送失败的指令数
	Duplicates int      `json:"duplicates"` // 与前面规则匹配元组相同而未重复发送的规则数
	Errors     []string `json:"errors,omitempty"`
}

// DPIDString 将datapath id格式化为 00-00-00-00-00-01 的形式
// 高16位不为0时追加 |高16位 的十进制值
func DPIDString(dpid uint64) string {
	parts := make([]string, 6)
	for i := 0; i < 6; i++ {
		parts[i] = fmt.Sprintf("%02x", byte(dpid>>(8*(5-i))))
	}
	s := strings.Join(parts, "-")
	if high := dpid >> 48; high != 0 {
		s += fmt.Sprintf("|%d", high)
	}
	return s
}
