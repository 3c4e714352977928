package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DailyRotator 按日期分割的日志轮转器
type DailyRotator struct {
	BaseDir    string // 日志基础目录
	FilePrefix string // 文件前缀，如 "zmqtt"
	MaxAge     int    // 保留天数
	Compress   bool   // 过期前是否先压缩

	mu          sync.Mutex
	currentFile *os.File
	currentDate string
	lastCleanup time.Time
	now         func() time.Time
}

// NewDailyRotator 创建新的日期轮转器
func NewDailyRotator(baseDir, filePrefix string, maxAge int) *DailyRotator {
	return &DailyRotator{
		BaseDir:    baseDir,
		FilePrefix: filePrefix,
		MaxAge:     maxAge,
		now:        time.Now,
	}
}

// Write 实现 io.Writer 接口
func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRotation(); err != nil {
		return 0, err
	}
	return r.currentFile.Write(p)
}

// checkRotation 日期变化时切换文件
func (r *DailyRotator) checkRotation() error {
	now := r.now()
	date := now.Format("2006-01-02")

	if r.currentDate == date && r.currentFile != nil {
		return nil
	}

	if r.currentFile != nil {
		_ = r.currentFile.Close()
		r.currentFile = nil
	}

	if err := os.MkdirAll(r.BaseDir, 0o755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	file, err := os.OpenFile(r.fileName(date), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	r.currentFile = file
	r.currentDate = date

	// 每天最多清理一次
	if r.MaxAge > 0 && now.Sub(r.lastCleanup) > 23*time.Hour {
		r.lastCleanup = now
		go r.cleanup(now, date)
	}
	return nil
}

func (r *DailyRotator) fileName(date string) string {
	return filepath.Join(r.BaseDir, fmt.Sprintf("%s-%s.log", r.FilePrefix, date))
}

// cleanup 压缩或删除过期的日志文件, 当天文件不处理
func (r *DailyRotator) cleanup(now time.Time, current string) {
	cutoff := now.AddDate(0, 0, -r.MaxAge)

	entries, err := os.ReadDir(r.BaseDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, r.FilePrefix+"-") {
			continue
		}
		path := filepath.Join(r.BaseDir, name)
		if path == r.fileName(current) {
			continue
		}

		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		if r.Compress && filepath.Ext(name) == ".log" {
			if err := compressFile(path); err != nil {
				continue
			}
		}
		_ = os.Remove(path)
	}
}

// compressFile 将文件压缩为同名 .gz
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// Close 关闭轮转器
func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentFile != nil {
		err := r.currentFile.Close()
		r.currentFile = nil
		return err
	}
	return nil
}

// CurrentFilePath 获取当前日志文件路径
func (r *DailyRotator) CurrentFilePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	date := r.currentDate
	if date == "" {
		date = r.now().Format("2006-01-02")
	}
	return r.fileName(date)
}
