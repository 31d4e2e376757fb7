// Package sqlite 通知台账: 记录已经发送过的提醒,forever 模式下同样的提醒不会重复发送
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/LouYuanbo1/marketcrawler/internal/domain/model"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	entity_id   TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	cycle       INTEGER NOT NULL,
	sent_at     INTEGER NOT NULL
);`

type AlertLedger struct {
	db *sql.DB
}

// OpenLedger path 为 ":memory:" 时使用内存数据库
func OpenLedger(ctx context.Context, path string) (*AlertLedger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("创建台账目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开台账失败: %w", err)
	}
	// 单连接,内存库在多连接下互相不可见
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 10000", "PRAGMA synchronous = NORMAL"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range append(pragmas, schema) {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("初始化台账失败 %q: %w", p, err)
		}
	}
	return &AlertLedger{db: db}, nil
}

// Fingerprint 实体价格与装备价格集合的摘要,顺序无关
func Fingerprint(entityPriceWei string, items []model.ItemSummary) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, it.ItemID+"="+it.PriceWei)
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(entityPriceWei + "|" + strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// Seen 同一实体上一次发送的提醒是否与 fingerprint 相同
func (l *AlertLedger) Seen(ctx context.Context, entityID, fingerprint string) (bool, error) {
	var last string
	err := l.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM alerts WHERE entity_id = ?`, entityID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询台账失败: %w", err)
	}
	return last == fingerprint, nil
}

func (l *AlertLedger) Record(ctx context.Context, entityID, fingerprint, runID string, cycle int) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO alerts (entity_id, fingerprint, run_id, cycle, sent_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			run_id      = excluded.run_id,
			cycle       = excluded.cycle,
			sent_at     = excluded.sent_at`,
		entityID, fingerprint, runID, cycle, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("写入台账失败: %w", err)
	}
	return nil
}

func (l *AlertLedger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计台账失败: %w", err)
	}
	return n, nil
}

func (l *AlertLedger) Close() error {
	return l.db.Close()
}
