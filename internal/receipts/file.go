package receipts

import (
	"bufio"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "AMessage-Chain/internal/errors"
)

// FileRepository 以 JSON Lines 追加写入回执，启动时回放文件恢复内存索引。
// 同一回执多次写入时以最后一行为准。
type FileRepository struct {
	*MemoryRepository

	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileRepository 打开（或创建）dataDir/receipts.jsonl。
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if dataDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "回执目录不能为空")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建回执目录失败")
	}
	path := filepath.Join(dataDir, "receipts.jsonl")
	repo := &FileRepository{MemoryRepository: NewMemoryRepository(), path: path}
	if err := repo.replay(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开回执文件失败")
	}
	repo.file = file
	return repo, nil
}

// Path 返回回执文件路径。
func (f *FileRepository) Path() string { return f.path }

func (f *FileRepository) replay() error {
	file, err := os.Open(f.path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取回执文件失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var r Receipt
		if err := json.Unmarshal(raw, &r); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("回执文件第 %d 行损坏", line))
		}
		f.put(r)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取回执文件失败")
	}
	return nil
}

// Record 实现 Repository。
func (f *FileRepository) Record(ctx context.Context, receipt Receipt) error {
	if err := receipt.validate(f.now); err != nil {
		return err
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码回执失败")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "回执文件已关闭")
	}
	if _, err := f.file.Write(append(data, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入回执失败")
	}
	return f.MemoryRepository.Record(ctx, receipt)
}

// Close 关闭文件句柄。
func (f *FileRepository) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
