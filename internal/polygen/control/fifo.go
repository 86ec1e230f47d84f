// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package control watches the zone's named pipe for operator commands.
// Writing "reload_limits" to /tmp/weir_<zone>_polygen_reload.fifo flags the
// limit registry for reload on the detector's next iteration.
package control

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/bloomberg/weir-qos/internal/polygen/telemetry"
)

// ReloadCommand is the only recognized control request.
const ReloadCommand = "reload_limits"

// EnsureFifo creates the FIFO with mode 0666, tolerating an existing one.
// The chmod runs unconditionally because the process umask may have masked
// the creation mode.
func EnsureFifo(path string) error {
	if err := unix.Mkfifo(path, 0o666); err != nil && !errors.Is(err, unix.EEXIST) {
		return err
	}
	return os.Chmod(path, 0o666)
}

// Watcher blocks on the FIFO and dispatches recognized commands.
type Watcher struct {
	log      *zap.Logger
	path     string
	onReload func()
}

// NewWatcher builds a watcher; onReload fires for each reload request.
func NewWatcher(log *zap.Logger, path string, onReload func()) *Watcher {
	return &Watcher{log: log, path: path, onReload: onReload}
}

// Run opens the FIFO for reading (blocking until a writer connects), reads
// the writer's request until EOF, acts on it, and re-opens. It loops until
// ctx is cancelled; a blocked open is only abandoned when the process
// exits.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := os.OpenFile(w.path, os.O_RDONLY, 0)
		if err != nil {
			w.log.Warn("could not open reload FIFO", zap.String("path", w.path), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.log.Info("reload FIFO opened")

		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			w.log.Warn("reload FIFO read failed", zap.Error(err))
			continue
		}

		switch request := strings.TrimSpace(string(data)); request {
		case ReloadCommand:
			w.log.Info("received reload_limits request")
			telemetry.LimitReloads.Inc()
			w.onReload()
		case "":
			w.log.Info("writer closed the FIFO")
		default:
			w.log.Warn("ignoring unknown control request", zap.String("request", request))
		}
	}
}
