// Package lock is the Lock & Inhibitors module (§4.13): a process-wide
// exclusive file lock guarding a mutating command's lifetime, a desktop
// session-bus battery/session query, a wake-lock inhibitor taken on the
// same bus, and a pkexec re-exec entrypoint for non-root invocations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/godbus/dbus/v5"
)

// Holder describes who currently holds the lock, reported back to a second
// process that loses the race to acquire it.
type Holder struct {
	PID         int
	ProcessName string
}

var ErrHeld = errors.New("lock: already held")

// Lock wraps a conventional-path file lock under the sysroot. The holder's
// PID is written into the lock file itself so a competing process can
// report who it is waiting on, per §4.13.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New returns a Lock at the conventional path "{sysroot}/var/lib/oma/lock".
func New(sysroot string) *Lock {
	path := sysroot + "/var/lib/oma/lock"
	return &Lock{path: path, fl: flock.New(path)}
}

// TryAcquire takes the exclusive lock without blocking, returning ErrHeld
// wrapping the current Holder if another process holds it.
func (l *Lock) TryAcquire() error {
	if err := os.MkdirAll(dirOf(l.path), 0o755); err != nil {
		return fmt.Errorf("lock: mkdir: %w", err)
	}

	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock: try-lock %s: %w", l.path, err)
	}
	if !ok {
		holder, _ := readHolder(l.path)
		return fmt.Errorf("%w: pid=%d process=%s", ErrHeld, holder.PID, holder.ProcessName)
	}

	if err := os.WriteFile(l.path, []byte(fmt.Sprintf("%d\n%s\n", os.Getpid(), processName())), 0o644); err != nil {
		_ = l.fl.Unlock()
		return fmt.Errorf("lock: write holder: %w", err)
	}
	return nil
}

// Release drops the exclusive lock.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

func readHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	lines := strings.SplitN(string(data), "\n", 2)
	var h Holder
	if len(lines) > 0 {
		h.PID, _ = strconv.Atoi(strings.TrimSpace(lines[0]))
	}
	if len(lines) > 1 {
		h.ProcessName = strings.TrimSpace(lines[1])
	}
	return h, nil
}

func processName() string {
	exe, err := os.Executable()
	if err != nil {
		return "oma"
	}
	parts := strings.Split(exe, "/")
	return parts[len(parts)-1]
}

func dirOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "."
	}
	return path[:i]
}

// WaitForRelease blocks until the lock file disappears or ctx is
// cancelled, using fsnotify the same way internal/topic watches its
// manifest.
func WaitForRelease(ctx context.Context, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lock: watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dirOf(path)); err != nil {
		return fmt.Errorf("lock: watch %s: %w", dirOf(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name == path && (ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// Session wraps a connection to the desktop session bus for the battery
// query and wake-lock inhibitor §4.13 describes. A nil *Session (returned
// when the bus is unreachable, e.g. headless CI) makes every method a
// documented no-op so callers never need a nil check of their own.
type Session struct {
	conn *dbus.Conn
}

// Connect dials the session bus. Failure is not fatal to the caller — a
// missing desktop session just means the battery check and inhibitor are
// skipped.
func Connect() (*Session, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("lock: session bus: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Close closes the underlying bus connection, if any.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// OnBattery queries org.freedesktop.UPower for the system's OnBattery
// property, so the CLI can prompt for confirmation before a long install
// runs on battery power.
func (s *Session) OnBattery() (bool, error) {
	if s == nil || s.conn == nil {
		return false, nil
	}

	obj := s.conn.Object("org.freedesktop.UPower", dbus.ObjectPath("/org/freedesktop/UPower"))
	variant, err := obj.GetProperty("org.freedesktop.UPower.OnBattery")
	if err != nil {
		return false, fmt.Errorf("lock: query OnBattery: %w", err)
	}
	onBattery, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("lock: unexpected OnBattery type %T", variant.Value())
	}
	return onBattery, nil
}

// Inhibitor is a held wake-lock / logind inhibitor, released by Release.
type Inhibitor struct {
	fd *os.File
}

// Inhibit takes a logind inhibitor lock ("sleep:shutdown") for reason,
// covering a mutating command's lifetime, via org.freedesktop.login1's
// Inhibit method which returns an inhibitor file descriptor held open
// until released.
func (s *Session) Inhibit(reason string) (*Inhibitor, error) {
	if s == nil || s.conn == nil {
		return &Inhibitor{}, nil
	}

	obj := s.conn.Object("org.freedesktop.login1", dbus.ObjectPath("/org/freedesktop/login1"))
	call := obj.Call("org.freedesktop.login1.Manager.Inhibit", 0,
		"sleep:shutdown", "oma", reason, "block")
	if call.Err != nil {
		return nil, fmt.Errorf("lock: inhibit: %w", call.Err)
	}

	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("lock: inhibit fd: %w", err)
	}
	return &Inhibitor{fd: os.NewFile(uintptr(fd), "oma-inhibitor")}, nil
}

// Release drops the inhibitor by closing its file descriptor.
func (i *Inhibitor) Release() error {
	if i == nil || i.fd == nil {
		return nil
	}
	return i.fd.Close()
}

// NeedsEscalation reports whether the current process is not running as
// root and must re-exec itself via pkexec.
func NeedsEscalation() bool {
	return os.Geteuid() != 0
}

// Reexec runs the current binary, by its absolute path, under pkexec with
// the given arguments, refusing any argument that contains a newline or NUL.
// pkexec runs as a child process and Reexec waits for it to exit; the
// current process image is not replaced. This mirrors the way the original
// oma binary re-launches itself for a mutating command when invoked by a
// non-root user.
func Reexec(args []string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("lock: resolve executable: %w", err)
	}

	pkexec, err := exec.LookPath("pkexec")
	if err != nil {
		return fmt.Errorf("lock: pkexec not found: %w", err)
	}

	sanitized := make([]string, 0, len(args)+1)
	sanitized = append(sanitized, self)
	for _, a := range args {
		if strings.ContainsAny(a, "\n\x00") {
			return fmt.Errorf("lock: refusing to re-exec with unsafe argument %q", a)
		}
		sanitized = append(sanitized, a)
	}

	cmd := exec.Command(pkexec, sanitized...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

