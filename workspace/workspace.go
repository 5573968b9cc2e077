package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
)

var (
	// ErrReleased 工作目录已释放后继续使用
	ErrReleased = errors.New("workspace already released")
	// ErrTooLarge 写入内容超过限制
	ErrTooLarge = errors.New("file exceeds size limit")
)

// Manager 在 root 下为每个请求分配独立的工作目录
type Manager struct {
	fs   afero.Fs
	root string
}

func NewManager(fs afero.Fs, root string) *Manager {
	return &Manager{fs: fs, root: filepath.Clean(root)}
}

func (m *Manager) Root() string {
	return m.root
}

// Acquire 创建一个以 ksuid 命名的空目录，调用方负责 Release
func (m *Manager) Acquire() (*Workspace, error) {
	if err := m.fs.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}

	id := ksuid.New().String()
	dir := filepath.Join(m.root, id)
	if err := m.fs.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	return &Workspace{fs: m.fs, id: id, dir: dir}, nil
}

// Workspace 单个请求的工作目录
type Workspace struct {
	fs  afero.Fs
	id  string
	dir string

	mu       sync.Mutex
	released bool
}

func (w *Workspace) ID() string { return w.id }

func (w *Workspace) Dir() string { return w.dir }

func (w *Workspace) Fs() afero.Fs { return w.fs }

// Path 返回工作目录内的路径，name 只保留文件名部分
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, SanitizeName(name))
}

// Save 把 r 写入工作目录中的 name，limit > 0 时超过 limit 字节返回 ErrTooLarge
func (w *Workspace) Save(name string, r io.Reader, limit int64) (string, error) {
	f, path, err := w.Create(name)
	if err != nil {
		return "", err
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if limit > 0 && n > limit {
		_ = w.fs.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, ErrTooLarge)
	}

	return path, nil
}

// Create 在工作目录内创建（或截断）文件
func (w *Workspace) Create(name string) (afero.File, string, error) {
	if err := w.check(); err != nil {
		return nil, "", err
	}
	path := w.Path(name)
	f, err := w.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("create %s: %w", path, err)
	}
	return f, path, nil
}

// Open 打开工作目录内的文件
func (w *Workspace) Open(path string) (afero.File, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	if filepath.Dir(path) != w.dir {
		return nil, fmt.Errorf("path %s is outside workspace %s", path, w.dir)
	}
	return w.fs.Open(path)
}

// Release 删除整个工作目录，可重复调用
func (w *Workspace) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.released {
		return nil
	}
	w.released = true

	if err := w.fs.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.dir, err)
	}
	return nil
}

func (w *Workspace) check() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return ErrReleased
	}
	return nil
}

// SanitizeName 去掉客户端文件名中的目录部分
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	switch name {
	case "", ".", "..", "/":
		return "upload"
	}
	return name
}
