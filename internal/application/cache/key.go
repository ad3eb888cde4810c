package cache

import (
	"encoding/json"
	"strings"
)

// Key 结构化的查询键，例如 ["positions", "main"]
// 前缀即匹配模式：["positions"] 匹配所有组合的持仓列表
type Key []string

// 查询键的作用域
const (
	ScopePositions    = "positions"
	ScopeSummary      = "summary"
	ScopeTransactions = "transactions"
)

func PositionsKey(portfolioID string) Key { return Key{ScopePositions, portfolioID} }

func SummaryKey(portfolioID string) Key { return Key{ScopeSummary, portfolioID} }

func TransactionsKey(positionID string) Key { return Key{ScopeTransactions, positionID} }

// String 规范化序列化，作为去重与索引用的键
func (k Key) String() string {
	b, _ := json.Marshal([]string(k))
	return string(b)
}

// Scope 第一段
func (k Key) Scope() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// Matches 判断 k 是否落在 pattern 之下（前缀匹配，空模式匹配全部）
func (k Key) Matches(pattern Key) bool {
	if len(pattern) > len(k) {
		return false
	}
	for i, p := range pattern {
		if k[i] != p {
			return false
		}
	}
	return true
}

func (k Key) Clone() Key {
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// ParseKey 反解 String 的结果
func ParseKey(s string) (Key, bool) {
	if !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var parts []string
	if err := json.Unmarshal([]byte(s), &parts); err != nil {
		return nil, false
	}
	return Key(parts), true
}
