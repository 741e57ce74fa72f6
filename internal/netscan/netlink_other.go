//go:build !linux

package netscan

import (
	"context"
	"errors"

	"github.com/berylliumsec/nebula-watcher/internal/model"
)

type Netlink struct{}

func (Netlink) Connections(context.Context) ([]model.Connection, error) {
	return nil, errors.New("netlink connection source is available only on Linux")
}
