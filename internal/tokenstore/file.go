package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// errCorruptFile はストアファイルがJSONとして解釈できないことを示す。
var errCorruptFile = errors.New("store file is corrupt")

// FileBackend はローカルファイル（JSON）に値を保持するBackend。
// ファイルはパーミッション0600で作成し、一時ファイルからのリネームで置き換える。
// 壊れたファイルは読み出しではエラーを返すが、書き込みと削除では置き換える。
type FileBackend struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewFileBackend はFileBackendを生成する。ファイルは最初の書き込み時に作成される。
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, logger: slog.Default()}
}

// WithLogger は壊れたファイルを置き換えた際の警告の出力先を設定する。
func (b *FileBackend) WithLogger(logger *slog.Logger) *FileBackend {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Put は値を保存する。壊れたファイルは空として扱い上書きする。
func (b *FileBackend) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := b.load()
	if errors.Is(err, errCorruptFile) {
		b.logger.Warn("overwriting corrupt token store file",
			slog.String("path", b.path),
			slog.String("error", err.Error()),
		)
		items, err = make(map[string][]byte), nil
	}
	if err != nil {
		return err
	}
	items[key] = value
	return b.save(items)
}

// Get は値を取得する。ファイルが存在しない場合は未保存として扱う。
func (b *FileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := b.load()
	if err != nil {
		return nil, false, err
	}
	v, ok := items[key]
	return v, ok, nil
}

// Delete は値を削除する。最後の値を削除した場合と、ファイルが壊れている場合は
// ファイル自体を削除する。
func (b *FileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := b.load()
	if errors.Is(err, errCorruptFile) {
		b.logger.Warn("removing corrupt token store file",
			slog.String("path", b.path),
			slog.String("error", err.Error()),
		)
		return b.remove()
	}
	if err != nil {
		return err
	}
	if _, ok := items[key]; !ok {
		return nil
	}
	delete(items, key)

	if len(items) == 0 {
		return b.remove()
	}
	return b.save(items)
}

func (b *FileBackend) remove() error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove store file: %w", err)
	}
	return nil
}

// load はファイルを読み込む。[]byteはJSON上でbase64文字列として表現される。
func (b *FileBackend) load() (map[string][]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string][]byte), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	items := make(map[string][]byte)
	if len(data) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptFile, err)
	}
	return items, nil
}

func (b *FileBackend) save(items map[string][]byte) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode store file: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Backend = (*FileBackend)(nil)
