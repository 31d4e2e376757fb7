package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LouYuanbo1/marketcrawler/internal/config"
	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.ParseConfig([]byte(`{}`))
	require.NoError(t, err)
	cfg.Output.Directory = t.TempDir()
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(id string, detail string, items ...string) *model.AggregatedRecord {
	r := &model.AggregatedRecord{
		TokenID: id,
		Summary: model.SummaryEntry{EntityID: id, EntityPriceWei: "0", EntityPriceUnit: "0", Items: []model.ItemSummary{}},
	}
	if detail != "" {
		r.Detail = json.RawMessage(detail)
	}
	for _, it := range items {
		r.SubItems = append(r.SubItems, json.RawMessage(it))
	}
	return r
}

func readArray(t *testing.T, path string) []map[string]any {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestCheckpoint_Monotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cs, err := OpenCheckpoint(path)
	require.NoError(t, err)
	require.Equal(t, 0, cs.Value())

	require.NoError(t, cs.Advance(10))
	require.NoError(t, cs.Advance(10))
	require.ErrorIs(t, cs.Advance(5), ErrCheckpointRegress)
	require.Equal(t, 10, cs.Value())

	reopened, err := OpenCheckpoint(path)
	require.NoError(t, err)
	require.Equal(t, 10, reopened.Value())

	require.NoError(t, reopened.Reset())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "0", string(data))
}

func TestCheckpoint_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o644))
	_, err := OpenCheckpoint(path)
	require.Error(t, err)
}

// WHAT: 详情为空的占位记录只写摘要,三个文件与 checkpoint 一起推进
// WHY: 失败的实体不能阻塞批次
func TestWriter_Persist(t *testing.T) {
	cfg := testConfig(t)
	w, err := OpenWriter(cfg, testLogger())
	require.NoError(t, err)

	batch := []*model.AggregatedRecord{
		record("a", ""),
		record("b", `{"id":"b"}`, `{"item":1}`, `{"item":2}`),
	}
	require.NoError(t, w.Persist(context.Background(), Batch{Records: batch, Next: 2}))

	dir := cfg.Output.Directory
	require.Len(t, readArray(t, filepath.Join(dir, cfg.Output.DetailFile)), 1)
	require.Len(t, readArray(t, filepath.Join(dir, cfg.Output.ItemFile)), 2)
	summaries := readArray(t, filepath.Join(dir, cfg.Output.SummaryFile))
	require.Len(t, summaries, 2)
	require.Equal(t, "a", summaries[0]["entityId"])
	require.Equal(t, "b", summaries[1]["entityId"])
	require.Equal(t, 2, w.Checkpoint())

	// 重新打开后继续追加
	w2, err := OpenWriter(cfg, testLogger())
	require.NoError(t, err)
	require.Equal(t, 2, w2.Checkpoint())
	require.NoError(t, w2.Persist(context.Background(), Batch{Records: []*model.AggregatedRecord{record("c", `{"id":"c"}`)}, Next: 3}))

	d, i, s := w2.Counts()
	require.Equal(t, []int{2, 2, 3}, []int{d, i, s})
	summaries = readArray(t, filepath.Join(dir, cfg.Output.SummaryFile))
	require.Equal(t, "c", summaries[2]["entityId"])
}

func TestWriter_CorruptArtifactStartsFresh(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.Output.Directory, cfg.Output.SummaryFile)
	require.NoError(t, os.WriteFile(path, []byte(`[{"entityId":`), 0o644))

	w, err := OpenWriter(cfg, testLogger())
	require.NoError(t, err)
	_, _, s := w.Counts()
	require.Equal(t, 0, s)

	entries, err := os.ReadDir(cfg.Output.Directory)
	require.NoError(t, err)
	var backups int
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt-") {
			backups++
		}
	}
	require.Equal(t, 1, backups)
}

type failingMirror struct{ calls int }

func (m *failingMirror) MirrorSummaries(ctx context.Context, runID string, cycle int, entries []model.SummaryEntry) error {
	m.calls++
	return errors.New("es down")
}

func TestWriter_MirrorFailureIgnored(t *testing.T) {
	cfg := testConfig(t)
	w, err := OpenWriter(cfg, testLogger())
	require.NoError(t, err)
	m := &failingMirror{}
	w.SetMirror(m)

	require.NoError(t, w.Persist(context.Background(), Batch{RunID: "r", Cycle: 1, Records: []*model.AggregatedRecord{record("a", `{}`)}, Next: 1}))
	require.Equal(t, 1, m.calls)
	require.Equal(t, 1, w.Checkpoint())
}

func TestWriter_RegressRejected(t *testing.T) {
	cfg := testConfig(t)
	w, err := OpenWriter(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Persist(context.Background(), Batch{Records: []*model.AggregatedRecord{record("a", `{}`)}, Next: 5}))
	require.ErrorIs(t, w.Persist(context.Background(), Batch{Next: 3}), ErrCheckpointRegress)

	require.NoError(t, w.ResetCheckpoint())
	require.Equal(t, 0, w.Checkpoint())
}

func TestWriter_WriteCatalog(t *testing.T) {
	cfg := testConfig(t)
	w, err := OpenWriter(cfg, testLogger())
	require.NoError(t, err)
	// 未配置时不写文件
	require.NoError(t, w.WriteCatalog([]model.EntityStub{{TokenID: "1"}}))

	cfg.Output.CatalogSnapshot = "characters.json"
	w, err = OpenWriter(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.WriteCatalog([]model.EntityStub{{TokenID: "1"}, {TokenID: "2"}}))
	stubs := readArray(t, filepath.Join(cfg.Output.Directory, "characters.json"))
	require.Len(t, stubs, 2)
	require.Equal(t, "2", stubs[1]["tokenId"])
}

// WHAT: ReadStats 不创建输出目录,损坏的文件保持原样
// WHY: status 命令只查看,不能改动爬虫的输出
func TestReadStats_ReadOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.Directory = filepath.Join(t.TempDir(), "missing")

	st, err := ReadStats(cfg)
	require.NoError(t, err)
	require.Equal(t, Stats{}, st)
	_, err = os.Stat(cfg.Output.Directory)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, os.MkdirAll(cfg.Output.Directory, 0o755))
	w, err := OpenWriter(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Persist(context.Background(), Batch{Records: []*model.AggregatedRecord{record("1", `{"id":1}`, `{"i":1}`)}, Next: 1}))

	detailPath := filepath.Join(cfg.Output.Directory, cfg.Output.DetailFile)
	require.NoError(t, os.WriteFile(detailPath, []byte(`{broken`), 0o644))

	st, err = ReadStats(cfg)
	require.NoError(t, err)
	require.Equal(t, 1, st.Checkpoint)
	require.Equal(t, 0, st.Details)
	require.Equal(t, 1, st.Items)
	require.Equal(t, 1, st.Summaries)
	require.Equal(t, []string{detailPath}, st.Corrupt)

	data, err := os.ReadFile(detailPath)
	require.NoError(t, err)
	require.Equal(t, `{broken`, string(data))
}
