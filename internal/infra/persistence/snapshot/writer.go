package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
)

// Mirror 在 checkpoint 写入之后同步摘要,失败只记录日志
type Mirror interface {
	MirrorSummaries(ctx context.Context, runID string, cycle int, entries []model.SummaryEntry) error
}

// Batch 一个批次的结果,Next 为处理完本批后的 checkpoint
type Batch struct {
	RunID   string
	Cycle   int
	Records []*model.AggregatedRecord
	Next    int
}

type artifact struct {
	path    string
	entries []json.RawMessage
}

// Writer 维护三个 JSON 数组文件与 checkpoint,只在批次边界由单个协程调用
type Writer struct {
	details    artifact
	items      artifact
	summaries  artifact
	checkpoint *CheckpointStore
	catalog    string
	mirror     Mirror
	logger     *slog.Logger
}

// OpenWriter 读取输出目录中已有的文件;损坏的文件改名备份后重新开始
func OpenWriter(cfg *config.Config, logger *slog.Logger) (*Writer, error) {
	dir := cfg.Output.Directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	checkpoint, err := OpenCheckpoint(filepath.Join(dir, cfg.Output.CheckpointFile))
	if err != nil {
		return nil, err
	}
	w := &Writer{checkpoint: checkpoint, logger: logger}
	if cfg.Output.CatalogSnapshot != "" {
		w.catalog = filepath.Join(dir, cfg.Output.CatalogSnapshot)
	}
	for _, a := range []struct {
		target *artifact
		name   string
	}{
		{&w.details, cfg.Output.DetailFile},
		{&w.items, cfg.Output.ItemFile},
		{&w.summaries, cfg.Output.SummaryFile},
	} {
		a.target.path = filepath.Join(dir, a.name)
		a.target.entries = w.load(a.target.path)
	}
	return w, nil
}

func (w *Writer) load(path string) []json.RawMessage {
	entries, err := readEntries(path)
	if err == nil {
		return entries
	}
	if !errors.Is(err, errCorrupt) {
		w.logger.Warn("snapshot: 读取文件失败,重新开始", "path", path, "err", err)
		return nil
	}
	backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if rerr := os.Rename(path, backup); rerr != nil {
		w.logger.Warn("snapshot: 备份损坏文件失败", "path", path, "err", rerr)
	}
	w.logger.Warn("snapshot: 文件损坏,重新开始", "path", path, "backup", backup, "err", err)
	return nil
}

var errCorrupt = errors.New("文件不是 JSON 数组")

// readEntries 文件不存在或为空时返回 nil
func readEntries(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	return entries, nil
}

// Stats 输出目录的只读统计
type Stats struct {
	Checkpoint int
	Details    int
	Items      int
	Summaries  int
	// Corrupt 无法解析的文件,计数为 0
	Corrupt []string
}

// ReadStats 只读取输出目录,不创建目录,也不移动损坏的文件
func ReadStats(cfg *config.Config) (Stats, error) {
	dir := cfg.Output.Directory
	checkpoint, err := OpenCheckpoint(filepath.Join(dir, cfg.Output.CheckpointFile))
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Checkpoint: checkpoint.Value()}
	for _, a := range []struct {
		target *int
		name   string
	}{
		{&st.Details, cfg.Output.DetailFile},
		{&st.Items, cfg.Output.ItemFile},
		{&st.Summaries, cfg.Output.SummaryFile},
	} {
		path := filepath.Join(dir, a.name)
		entries, err := readEntries(path)
		if errors.Is(err, errCorrupt) {
			st.Corrupt = append(st.Corrupt, path)
			continue
		}
		if err != nil {
			return Stats{}, fmt.Errorf("读取 %s 失败: %w", a.name, err)
		}
		*a.target = len(entries)
	}
	return st, nil
}

// SetMirror 设置可选的摘要镜像
func (w *Writer) SetMirror(m Mirror) {
	w.mirror = m
}

func (w *Writer) Checkpoint() int {
	return w.checkpoint.Value()
}

func (w *Writer) ResetCheckpoint() error {
	return w.checkpoint.Reset()
}

// Counts 三个文件中的记录数量: 详情、装备、摘要
func (w *Writer) Counts() (details, items, summaries int) {
	return len(w.details.entries), len(w.items.entries), len(w.summaries.entries)
}

// Persist 追加一批结果并整体重写三个文件,全部成功后才推进 checkpoint
func (w *Writer) Persist(ctx context.Context, batch Batch) error {
	prevDetails, prevItems, prevSummaries := w.Counts()
	rollback := func() {
		w.details.entries = w.details.entries[:prevDetails]
		w.items.entries = w.items.entries[:prevItems]
		w.summaries.entries = w.summaries.entries[:prevSummaries]
	}

	summaries := make([]model.SummaryEntry, 0, len(batch.Records))
	for _, r := range batch.Records {
		if r == nil {
			continue
		}
		if r.Detail != nil {
			w.details.entries = append(w.details.entries, r.Detail)
		}
		w.items.entries = append(w.items.entries, r.SubItems...)
		raw, err := json.Marshal(r.Summary)
		if err != nil {
			rollback()
			return fmt.Errorf("序列化摘要失败 %s: %w", r.TokenID, err)
		}
		w.summaries.entries = append(w.summaries.entries, raw)
		summaries = append(summaries, r.Summary)
	}

	for _, a := range []*artifact{&w.details, &w.items, &w.summaries} {
		if err := writeArtifact(a); err != nil {
			rollback()
			return err
		}
	}
	if err := w.checkpoint.Advance(batch.Next); err != nil {
		return err
	}

	if w.mirror != nil && len(summaries) > 0 {
		if err := w.mirror.MirrorSummaries(ctx, batch.RunID, batch.Cycle, summaries); err != nil {
			w.logger.Warn("snapshot: 同步摘要失败", "count", len(summaries), "err", err)
		}
	}
	return nil
}

func writeArtifact(a *artifact) error {
	entries := a.entries
	if entries == nil {
		entries = []json.RawMessage{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化 %s 失败: %w", filepath.Base(a.path), err)
	}
	return writeFileAtomic(a.path, data)
}

// WriteCatalog 保存本轮的实体列表,未配置 catalog_snapshot 时不写
func (w *Writer) WriteCatalog(stubs []model.EntityStub) error {
	if w.catalog == "" {
		return nil
	}
	data, err := json.MarshalIndent(stubs, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化实体列表失败: %w", err)
	}
	return writeFileAtomic(w.catalog, data)
}
