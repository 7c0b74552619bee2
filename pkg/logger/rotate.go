package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// rotatingWriter 按大小滚动审计日志，备份文件命名为 <path>.<unix纳秒>。
type rotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
	now        func() time.Time
}

func newRotatingWriter(cfg AuditConfig) (*rotatingWriter, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("启用审计日志时必须配置路径")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
	}
	return &rotatingWriter{
		path:       cfg.Path,
		maxSize:    int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	// 单条超过上限的记录直接写入新文件，不做切分。
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.size = nil, 0
	return err
}

func (w *rotatingWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("读取审计日志信息失败: %w", err)
	}
	w.file, w.size = file, info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("关闭审计日志失败: %w", err)
		}
		w.file = nil
	}
	w.size = 0
	backup := w.path + "." + strconv.FormatInt(w.now().UnixNano(), 10)
	if err := os.Rename(w.path, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("滚动审计日志失败: %w", err)
	}
	w.prune()
	return nil
}

// prune 删除超出数量或超过保留期的备份。
func (w *rotatingWriter) prune() {
	backups := w.backups()
	cutoff := w.now().Add(-w.maxAge)
	for i, b := range backups {
		if i >= w.maxBackups || time.Unix(0, b.stamp).Before(cutoff) {
			_ = os.Remove(b.path)
		}
	}
}

type backupFile struct {
	path  string
	stamp int64
}

// backups 返回按时间从新到旧排列的备份文件。
func (w *rotatingWriter) backups() []backupFile {
	matches, _ := filepath.Glob(w.path + ".*")
	out := make([]backupFile, 0, len(matches))
	for _, m := range matches {
		stamp, err := strconv.ParseInt(strings.TrimPrefix(m, w.path+"."), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, backupFile{path: m, stamp: stamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].stamp > out[j].stamp })
	return out
}
