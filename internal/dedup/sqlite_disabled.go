//go:build !sqlite

package dedup

import (
	"context"
	"errors"

	logx "pollwatch/pkg/logx"
)

func openSQLite(context.Context, Config, logx.Logger) (Provider, error) {
	return nil, errors.New("sqlite dedup driver not built: build with -tags sqlite")
}
