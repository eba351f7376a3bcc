package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ConditionOp 条件运算符（封闭集合，未知运算符判 false）
type ConditionOp string

const (
	OpEq       ConditionOp = "eq"
	OpNeq      ConditionOp = "neq"
	OpGt       ConditionOp = "gt"
	OpGte      ConditionOp = "gte"
	OpLt       ConditionOp = "lt"
	OpLte      ConditionOp = "lte"
	OpContains ConditionOp = "contains"
	OpIn       ConditionOp = "in"
)

// Condition 单个谓词：payload 中 field 的取值与 value 按 op 比较
type Condition struct {
	Field string      `json:"field"`
	Op    ConditionOp `json:"op"`
	Value interface{} `json:"value"`
}

// EvaluateConditions 计算条件合取。空列表恒为 true（无条件触发）。
// 字段缺失判 false（fail closed），畸形事件不会误触发动作。
// 纯函数，可被多个评估 goroutine 并发调用。
func EvaluateConditions(conds []Condition, payload map[string]interface{}) bool {
	for _, cond := range conds {
		if !evaluateCondition(cond, payload) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond Condition, payload map[string]interface{}) bool {
	val, ok := lookupPath(payload, cond.Field)
	if !ok {
		return false
	}

	switch cond.Op {
	case OpEq:
		return compareValues(val, cond.Value) == 0
	case OpNeq:
		return compareValues(val, cond.Value) != 0
	case OpGt:
		return compareValues(val, cond.Value) > 0
	case OpGte:
		return compareValues(val, cond.Value) >= 0
	case OpLt:
		return compareValues(val, cond.Value) < 0
	case OpLte:
		return compareValues(val, cond.Value) <= 0
	case OpContains:
		return strings.Contains(fmt.Sprintf("%v", val), fmt.Sprintf("%v", cond.Value))
	case OpIn:
		return valueIn(val, cond.Value)
	default:
		return false
	}
}

// lookupPath 按点号路径深入嵌套 map，例如 "customer.health_score"
func lookupPath(payload map[string]interface{}, path string) (interface{}, bool) {
	if payload == nil || path == "" {
		return nil, false
	}
	// 先整体查一次，允许 key 本身含点号
	if v, ok := payload[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	cur := interface{}(payload)
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// compareValues 双方均可数值化时按数值比较，否则按字符串比较
func compareValues(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func valueIn(val, set interface{}) bool {
	items, ok := set.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if compareValues(val, item) == 0 {
			return true
		}
	}
	return false
}
