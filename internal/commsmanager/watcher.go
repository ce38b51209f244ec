package commsmanager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"bmh/internal/logging"
)

const (
	watchPollTimeout    = 500 * time.Millisecond
	defaultStatInterval = 2 * time.Second
	maxNameLen          = 255
	inotifyMask         = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_CREATE | unix.IN_ATTRIB
)

// configWatcher reports changes to the config file. It watches the parent
// directory with inotify so editors that replace the file are still seen, and
// falls back to stat polling when inotify is unavailable.
type configWatcher struct {
	path         string
	logger       *slog.Logger
	statInterval time.Duration
	// disableInotify forces the polling fallback.
	disableInotify bool
}

func (w *configWatcher) run(ctx context.Context, changed func()) {
	if !w.disableInotify {
		err := w.watchInotify(ctx, changed)
		if err == nil || ctx.Err() != nil {
			return
		}
		logging.WarnWithContext(w.logger, "inotify unavailable, polling config file", "config_watch_fallback",
			logging.Error(err),
			logging.String("path", w.path),
			logging.String(logging.FieldImpact, "configuration changes are picked up with a delay"),
		)
	}
	w.poll(ctx, changed)
}

func (w *configWatcher) watchInotify(ctx context.Context, changed func()) error {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify init: %w", err)
	}
	defer unix.Close(fd)

	dir := filepath.Dir(w.path)
	if _, err := unix.InotifyAddWatch(fd, dir, inotifyMask); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Debug("watching config directory", logging.String("dir", dir))

	buf := make([]byte, 64*(unix.SizeofInotifyEvent+maxNameLen+1))
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.Poll(fds, int(watchPollTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll inotify: %w", err)
		}
		if n == 0 {
			continue
		}
		names, err := readInotify(fd, buf)
		if err != nil {
			return err
		}
		if w.matches(dir, names) {
			changed()
		}
	}
}

// readInotify drains pending events and returns the entry names they refer to.
func readInotify(fd int, buf []byte) ([]string, error) {
	var names []string
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return names, nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return names, fmt.Errorf("read inotify: %w", err)
		}
		if n <= 0 {
			return names, nil
		}
		names = append(names, parseInotify(buf[:n])...)
	}
}

// parseInotify decodes a buffer of struct inotify_event records.
func parseInotify(buf []byte) []string {
	var names []string
	for offset := 0; offset+unix.SizeofInotifyEvent <= len(buf); {
		nameLen := int(binary.NativeEndian.Uint32(buf[offset+12:]))
		start := offset + unix.SizeofInotifyEvent
		if start+nameLen > len(buf) {
			break
		}
		if nameLen > 0 {
			names = append(names, strings.TrimRight(string(buf[start:start+nameLen]), "\x00"))
		}
		offset = start + nameLen
	}
	return names
}

// matches reports whether any named entry of dir is the config file itself.
func (w *configWatcher) matches(dir string, names []string) bool {
	target, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && os.SameFile(info, target) {
			return true
		}
	}
	return false
}

func (w *configWatcher) poll(ctx context.Context, changed func()) {
	interval := w.statInterval
	if interval <= 0 {
		interval = defaultStatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := statOrNil(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current := statOrNil(w.path)
		if !fileChanged(last, current) {
			continue
		}
		last = current
		if current != nil {
			changed()
		}
	}
}

func statOrNil(path string) os.FileInfo {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return info
}

func fileChanged(a, b os.FileInfo) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	return !os.SameFile(a, b) || !a.ModTime().Equal(b.ModTime()) || a.Size() != b.Size()
}
