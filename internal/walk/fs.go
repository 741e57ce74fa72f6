package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Dir walks a results directory opened as os.Root. See FS for details.
func Dir(ctx context.Context, root *os.Root) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS(), root.Name())
}

// FS returns every regular file under fsys, directory by directory.
// Hidden files and directories (editor swap files, .git, temporary state
// files) are skipped, so are symlinks. A directory which can't be read is
// reported as an error and the walk goes on. Entry.Path is prefixed by name.
func FS(ctx context.Context, fsys fs.FS, name string) iter.Seq2[Entry, error] {
	if fsys == nil {
		panic("fsys is nil")
	}

	return func(yield func(Entry, error) bool) {
		queue := []string{"."}
		for len(queue) > 0 {
			if ctx.Err() != nil {
				return
			}
			dir := queue[0]
			queue = queue[1:]

			entries, err := fs.ReadDir(fsys, dir)
			if err != nil {
				if !yield(file{fsys: fsys, name: name, path: dir, err: err}, err) {
					return
				}
				continue
			}
			for _, d := range entries {
				if ctx.Err() != nil {
					return
				}
				if hidden(d.Name()) {
					continue
				}
				p := path.Join(dir, d.Name())
				if d.IsDir() {
					queue = append(queue, p)
					continue
				}
				if !d.Type().IsRegular() {
					continue
				}
				info, err := d.Info()
				if !yield(file{fsys: fsys, name: name, path: p, info: info, err: err}, err) {
					return
				}
			}
		}
	}
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// file is an Entry of a fs.FS
type file struct {
	fsys fs.FS
	name string
	path string
	info fs.FileInfo
	err  error
}

func (f file) Path() string {
	return filepath.Join(f.name, filepath.FromSlash(f.path))
}

func (f file) Open() (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.fsys.Open(f.path)
}

func (f file) Stat() (fs.FileInfo, error) {
	return f.info, f.err
}
