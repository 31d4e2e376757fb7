// Package price 处理链上价格: wei 字符串与展示单位(1 单位 = 10^18 wei)之间的精确换算
package price

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Decimals 单位与 wei 之间的精度
const Decimals = 18

var weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Amount 以 wei 为单位保存的价格,换算时不经过浮点数
type Amount struct {
	wei *big.Int
}

// Zero 价格为 0
func Zero() Amount { return Amount{wei: new(big.Int)} }

// ParseWei 解析十进制整数形式的 wei,空字符串视为 0
func ParseWei(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero(), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Zero(), fmt.Errorf("非法的 wei 数值: %q", s)
	}
	return Amount{wei: v}, nil
}

// MustParseWei 测试与常量使用
func MustParseWei(s string) Amount {
	a, err := ParseWei(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) int() *big.Int {
	if a.wei == nil {
		return new(big.Int)
	}
	return a.wei
}

// Wei 返回 wei 的十进制字符串
func (a Amount) Wei() string { return a.int().String() }

// Positive 价格是否大于 0
func (a Amount) Positive() bool { return a.int().Sign() > 0 }

// Rat 返回单位价格的有理数表示
func (a Amount) Rat() *big.Rat {
	return new(big.Rat).SetFrac(a.int(), weiPerUnit)
}

// Unit 返回单位价格的十进制字符串,去掉末尾多余的 0
// 例如 2500000000000000000 -> "2.5"
func (a Amount) Unit() string {
	v := a.int()
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)

	intPart, frac := new(big.Int).QuoRem(abs, weiPerUnit, new(big.Int))
	out := intPart.String()
	if frac.Sign() != 0 {
		fs := frac.String()
		fs = strings.Repeat("0", Decimals-len(fs)) + fs
		out += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

// UnitNumber 以 JSON 数字形式输出单位价格
func (a Amount) UnitNumber() json.Number { return json.Number(a.Unit()) }

// Exceeds 单位价格是否严格大于 ceiling
func (a Amount) Exceeds(ceiling *big.Rat) bool {
	if ceiling == nil {
		return false
	}
	return a.Rat().Cmp(ceiling) > 0
}

// ParseCeiling 解析配置中的单位价格上限,例如 "1000000" 或 "0.5"
func ParseCeiling(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return nil, fmt.Errorf("非法的价格上限: %q", s)
	}
	return r, nil
}
