package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// JSONFile stores the coverage as a single JSON document
//
//	{"10.0.0.5": {"connection": "engaged", "ports": {"22": "engaged"}}}
//
// Every Save replaces the document by renaming a temporary file over it.
type JSONFile struct {
	path string
}

func NewJSONFile(path string) JSONFile {
	return JSONFile{path: path}
}

func (f JSONFile) Path() string {
	return f.path
}

func (f JSONFile) Load(_ context.Context) (Coverage, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(Coverage), nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return make(Coverage), nil
	}

	var cov Coverage
	if err := json.Unmarshal(b, &cov); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	if cov == nil {
		cov = make(Coverage)
	}
	return cov, nil
}

func (f JSONFile) Save(_ context.Context, cov Coverage) error {
	b, err := json.MarshalIndent(cov, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling coverage: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	_, err = tmp.Write(b)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return err
	}
	return nil
}

func (f JSONFile) Clear(_ context.Context) error {
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
