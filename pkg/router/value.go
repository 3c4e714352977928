package router

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bujia-iot/iot-zmqtt/pkg/errors"
)

// ValueKind 负载值类型
type ValueKind int

const (
	KindText ValueKind = iota
	KindBool
	KindInt
	KindEnum
)

// Value 在边界处解析后的负载值
type Value struct {
	Kind ValueKind
	Raw  string
	Bool bool
	Int  int64
	Enum string
}

// String 发布到总线时的文本
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindEnum:
		return v.Enum
	default:
		return v.Raw
	}
}

// Text 原样文本
func Text(raw string) Value {
	return Value{Kind: KindText, Raw: raw}
}

// ParseBool01 解析 "0"/"1"
func ParseBool01(raw string) (Value, error) {
	switch raw {
	case "0":
		return Value{Kind: KindBool, Raw: raw, Bool: false}, nil
	case "1":
		return Value{Kind: KindBool, Raw: raw, Bool: true}, nil
	}
	return Value{}, invalidPayload(raw)
}

// ParseEnum 按映射表解析枚举值
func ParseEnum(raw string, table map[string]string) (Value, error) {
	name, ok := table[raw]
	if !ok {
		return Value{}, invalidPayload(raw)
	}
	return Value{Kind: KindEnum, Raw: raw, Enum: name}, nil
}

// ParseIntRange 解析整数并检查闭区间, 文本保持原样
func ParseIntRange(raw string, min, max int64) (Value, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < min || n > max {
		return Value{}, invalidPayload(raw)
	}
	return Value{Kind: KindInt, Raw: raw, Int: n}, nil
}

// ParseScaled 解析数值并除以 divisor, 结果按浮点数的最短形式输出
func ParseScaled(raw string, divisor float64) (Value, error) {
	f, err := parseFinite(raw)
	if err != nil {
		return Value{}, err
	}
	return Text(FormatFloat(f / divisor)), nil
}

func parseFinite(raw string) (float64, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidPayload(raw)
	}
	return f, nil
}

func invalidPayload(raw string) error {
	return errors.New(errors.ErrInvalidParameter, fmt.Sprintf("invalid payload <%s>", raw))
}

// FormatFloat 最短往返表示, 整数值带 ".0", 指数 < -4 或 >= 16 时使用科学计数法
func FormatFloat(f float64) string {
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	exp := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expPart, _ := strings.Cut(exp, "e")
	e, _ := strconv.Atoi(expPart)

	if e < -4 || e >= 16 {
		sign := "+"
		if e < 0 {
			sign = "-"
			e = -e
		}
		return fmt.Sprintf("%se%s%02d", mantissa, sign, e)
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

// printable 只保留可打印ASCII字符与空白
func printable(s string) string {
	isPrintable := func(r rune) bool {
		return (r >= 0x20 && r <= 0x7E) || r == '\t' || r == '\n' || r == '\r' || r == '\x0b' || r == '\x0c'
	}
	for _, r := range s {
		if !isPrintable(r) {
			return strings.Map(func(r rune) rune {
				if isPrintable(r) {
					return r
				}
				return -1
			}, s)
		}
	}
	return s
}
