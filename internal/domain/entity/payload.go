// Package entity 从接口返回的原始 JSON 中读取爬虫关心的少数字段,其余字段原样透传
package entity

import (
	"sort"
	"strings"

	"github.com/buger/jsonparser"
)

// 交易历史可能直接是数组,也可能包在这些字段下
var historyContainers = []string{"items", "data", "histories", "tradeHistory"}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// scalarAt 读取字符串或数字字段,null 与不存在都返回 false
func scalarAt(data []byte, keys ...string) (string, bool) {
	value, dataType, _, err := jsonparser.Get(data, keys...)
	if err != nil {
		return "", false
	}
	switch dataType {
	case jsonparser.String, jsonparser.Number:
		s := strings.TrimSpace(string(value))
		if s == "" {
			return "", false
		}
		return s, true
	default:
		return "", false
	}
}

// EntityPrice 按顺序检查候选路径,第一个非空值生效,否则为 "0"
func EntityPrice(detail []byte, paths []string) string {
	for _, p := range paths {
		if v, ok := scalarAt(detail, splitPath(p)...); ok {
			return v
		}
	}
	return "0"
}

// EquipTokenIDs 读取装备映射中的 tokenId,跳过空值并去重
// 映射按 key 排序,保证每次抓取的顺序一致
func EquipTokenIDs(detail []byte, path string) []string {
	value, dataType, _, err := jsonparser.Get(detail, splitPath(path)...)
	if err != nil {
		return nil
	}

	var ids []string
	seen := make(map[string]struct{})
	add := func(slot []byte) {
		id, ok := scalarAt(slot, "tokenId")
		if !ok {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	switch dataType {
	case jsonparser.Object:
		type slot struct {
			key   string
			value []byte
		}
		var slots []slot
		_ = jsonparser.ObjectEach(value, func(key []byte, v []byte, vt jsonparser.ValueType, _ int) error {
			if vt == jsonparser.Object {
				slots = append(slots, slot{key: string(key), value: v})
			}
			return nil
		})
		sort.Slice(slots, func(i, j int) bool { return slots[i].key < slots[j].key })
		for _, s := range slots {
			add(s.value)
		}
	case jsonparser.Array:
		_, _ = jsonparser.ArrayEach(value, func(v []byte, vt jsonparser.ValueType, _ int, _ error) {
			if vt == jsonparser.Object {
				add(v)
			}
		})
	}
	return ids
}

// ListingPrice 当前挂单价格,不存在时为 ""
func ListingPrice(item []byte) string {
	if v, ok := scalarAt(item, "salesInfo", "priceWei"); ok {
		return v
	}
	v, _ := scalarAt(item, "priceWei")
	return v
}

// LatestTradePrice 交易历史按时间倒序,取第 0 条的价格
func LatestTradePrice(history []byte) string {
	if len(history) == 0 {
		return ""
	}
	if v, ok := scalarAt(history, "[0]", "priceWei"); ok {
		return v
	}
	for _, c := range historyContainers {
		if v, ok := scalarAt(history, c, "[0]", "priceWei"); ok {
			return v
		}
	}
	return ""
}

// StubTokenIDs 列表接口中的实体 tokenId,支持 characters 与 data.items 两种结构
func StubTokenIDs(list []byte) []string {
	var ids []string
	collect := func(keys ...string) bool {
		_, dataType, _, err := jsonparser.Get(list, keys...)
		if err != nil || dataType != jsonparser.Array {
			return false
		}
		_, _ = jsonparser.ArrayEach(list, func(v []byte, vt jsonparser.ValueType, _ int, _ error) {
			if vt != jsonparser.Object {
				return
			}
			if id, ok := scalarAt(v, "tokenId"); ok {
				ids = append(ids, id)
			}
		}, keys...)
		return true
	}
	if !collect("characters") {
		collect("data", "items")
	}
	return ids
}
