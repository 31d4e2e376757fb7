package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

var ErrCheckpointRegress = errors.New("checkpoint 不能回退")

// CheckpointStore 已处理完成的实体数量,文件内容是一个 JSON 整数
type CheckpointStore struct {
	path  string
	mu    sync.Mutex
	value int
}

// OpenCheckpoint 文件不存在时从 0 开始
func OpenCheckpoint(path string) (*CheckpointStore, error) {
	cs := &CheckpointStore{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取 checkpoint 失败: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return cs, nil
	}
	var v int
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("checkpoint 文件格式错误 %s: %w", path, err)
	}
	if v < 0 {
		return nil, fmt.Errorf("checkpoint 不能为负数: %d", v)
	}
	cs.value = v
	return cs, nil
}

func (cs *CheckpointStore) Value() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.value
}

// Advance 写入新的进度,小于当前值时返回 ErrCheckpointRegress
func (cs *CheckpointStore) Advance(next int) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if next < cs.value {
		return fmt.Errorf("%w: %d -> %d", ErrCheckpointRegress, cs.value, next)
	}
	return cs.writeLocked(next)
}

// Reset 一轮完整遍历结束后归零
func (cs *CheckpointStore) Reset() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.writeLocked(0)
}

func (cs *CheckpointStore) writeLocked(v int) error {
	if err := writeFileAtomic(cs.path, []byte(strconv.Itoa(v))); err != nil {
		return fmt.Errorf("写入 checkpoint 失败: %w", err)
	}
	cs.value = v
	return nil
}
