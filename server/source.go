package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ====================================================================
// Источник файлов
// ====================================================================
//
// Сервер не знает про диск напрямую: отдаваемые ресурсы приходят
// через контракт FileSource. Реализация по умолчанию - каталог
// ресурсов с защитой от выхода за его пределы.
//
// ====================================================================

// ErrOutsideRoot - запрошенное имя выводит за каталог ресурсов
var ErrOutsideRoot = errors.New("requested file is outside the resource root")

// FileSource - контракт доступа к отдаваемым ресурсам
type FileSource interface {
	// Open открывает ресурс по имени и возвращает поток чтения
	// и полный размер ресурса
	Open(name string) (io.ReadCloser, int64, error)
}

// DirSource - FileSource поверх каталога на диске
type DirSource struct {
	// Root - каталог ресурсов
	Root string
}

// NewDirSource создаёт источник поверх каталога root
func NewDirSource(root string) (*DirSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve resource root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("resource root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resource root %s is not a directory", abs)
	}
	return &DirSource{Root: abs}, nil
}

// Open открывает файл внутри каталога ресурсов
// Имя нормализуется от корня каталога: "../" за его пределы
// не выводит, "../x" открывает x внутри каталога
func (s *DirSource) Open(name string) (io.ReadCloser, int64, error) {
	full := filepath.Join(s.Root, filepath.Clean("/"+name))
	if full != s.Root && !strings.HasPrefix(full, s.Root+string(filepath.Separator)) {
		return nil, 0, ErrOutsideRoot
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", name)
	}

	return f, info.Size(), nil
}
