//go:build !sqlite
// +build !sqlite

package audit

import (
	"errors"

	logx "tickbot/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Recorder, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite audit not built: build with -tags sqlite")
}
