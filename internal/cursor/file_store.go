package cursor

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "AMessage-Chain/internal/errors"
)

type fileEntry struct {
	Signature string `json:"signature"`
	UpdatedAt int64  `json:"updated_at"`
}

// FileStore 将游标写入数据目录下的 JSON 文件，写入时先写临时文件再原子替换。
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileStore 在 dataDir 下创建 cursors.json。
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	return &FileStore{path: filepath.Join(dataDir, "cursors.json"), now: time.Now}, nil
}

// Path 返回游标文件路径。
func (f *FileStore) Path() string { return f.path }

// Load 实现 Store。
func (f *FileStore) Load(_ context.Context, address string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.read()
	if err != nil {
		return "", false, err
	}
	entry, ok := entries[address]
	if !ok || entry.Signature == "" {
		return "", false, nil
	}
	return entry.Signature, true, nil
}

// Save 实现 Store。
func (f *FileStore) Save(_ context.Context, address, signature string) error {
	if address == "" || signature == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "地址与签名不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	entries[address] = fileEntry{Signature: signature, UpdatedAt: f.now().Unix()}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化游标失败")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入游标文件失败")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换游标文件失败")
	}
	return nil
}

// Close 实现 Store。
func (f *FileStore) Close() error { return nil }

func (f *FileStore) read() (map[string]fileEntry, error) {
	entries := make(map[string]fileEntry)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取游标文件失败")
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("游标文件 %s 已损坏", f.path))
	}
	return entries, nil
}
