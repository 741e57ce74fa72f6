package diagram

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/berylliumsec/nebula-watcher/internal/model"
)

// Icon is a name of an image in the assets directory, without the .png
// extension.
type Icon string

const (
	IconOperator Icon = "ethical_hacker"
	IconIP       Icon = "ip"
	IconPort     Icon = "port"
	IconCVE      Icon = "cve"
	IconService  Icon = "service"
	IconDevice   Icon = "device"
)

// Icons lists every icon a diagram may use.
var Icons = []Icon{IconOperator, IconIP, IconPort, IconCVE, IconService, IconDevice}

const (
	assetsDir       = "diagram_resources"
	dockerAssetsDir = "/app/diagram_resources"
)

// Assets resolves icon files. The directory is, in this order, the
// explicitly configured one, /app/diagram_resources when running in the
// container (IN_DOCKER is set) or ./diagram_resources.
type Assets struct {
	dir string
}

func NewAssets(dir string) Assets {
	return Assets{dir: dir}
}

func (a Assets) Dir() string {
	switch {
	case a.dir != "":
		return a.dir
	case os.Getenv("IN_DOCKER") != "":
		return dockerAssetsDir
	default:
		return assetsDir
	}
}

// Path returns the absolute path of the icon or an error wrapping
// model.ErrAssetMissing.
func (a Assets) Path(icon Icon) (string, error) {
	path, err := filepath.Abs(filepath.Join(a.Dir(), string(icon)+".png"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("icon %s: %w", icon, model.ErrAssetMissing)
	}
	if info.IsDir() {
		return "", fmt.Errorf("icon %s is a directory: %w", icon, model.ErrAssetMissing)
	}
	return path, nil
}

// Resolve returns paths of all icons that exist. Missing ones are reported
// in the joined error.
func (a Assets) Resolve() (map[Icon]string, error) {
	ret := make(map[Icon]string, len(Icons))
	var errs []error
	for _, icon := range Icons {
		path, err := a.Path(icon)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ret[icon] = path
	}
	return ret, errors.Join(errs...)
}
