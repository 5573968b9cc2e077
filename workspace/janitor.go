package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"

	"github.com/chaos-io/rembg-api/util/log"
)

// Sweep 删除 root 下创建时间早于 now-maxAge 的工作目录，返回删除数量
//
// 创建时间取自 ksuid 目录名，名字不是 ksuid 的条目一律跳过
func (m *Manager) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := afero.ReadDir(m.fs, m.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read work root: %w", err)
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		// 只处理 Acquire 创建的目录，root 下的其他内容不属于我们
		id, err := ksuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		if !id.Time().Before(cutoff) {
			continue
		}

		path := filepath.Join(m.root, entry.Name())
		if err := m.fs.RemoveAll(path); err != nil {
			log.WithError(err).WithField("dir", path).Warn("failed to remove stale workspace")
			continue
		}
		removed++
	}

	return removed, nil
}

// Janitor 定时清理崩溃后遗留的工作目录
type Janitor struct {
	cron    *cron.Cron
	manager *Manager
	maxAge  time.Duration
}

func NewJanitor(manager *Manager, schedule string, maxAge time.Duration) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(),
		manager: manager,
		maxAge:  maxAge,
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop 停止调度，等待正在执行的清理结束或 ctx 结束
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (j *Janitor) run() {
	n, err := j.manager.Sweep(time.Now(), j.maxAge)
	if err != nil {
		log.WithError(err).Warn("workspace sweep failed")
		return
	}
	if n > 0 {
		log.WithFields(log.Fields{"removed": n, "root": j.manager.Root()}).Info("swept stale workspaces")
	}
}
