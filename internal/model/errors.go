package model

import (
	"errors"
)

var (
	ErrNoMatch          = errors.New("no match")
	ErrNoReports        = errors.New("no host reports")
	ErrAssetMissing     = errors.New("diagram asset missing")
	ErrConnectionSource = errors.New("connection source unavailable")
)
