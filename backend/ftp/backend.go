package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gvfsd/ftpfs/lib/bufpool"
	"github.com/gvfsd/ftpfs/lib/gvfslog"
	"github.com/gvfsd/ftpfs/lib/pacer"
	"github.com/gvfsd/ftpfs/vfspath"
)

// listBufferSize is the scratch buffer size used to drain LIST
// responses; directory listings are small relative to file transfers,
// which stream through caller-supplied buffers instead (see
// ReadHandle.Read/WriteHandle.Write).
const listBufferSize = 32 * 1024

// Backend holds the per-mount state shared by every Task: the dial
// target and credentials, negotiated server dialect, the connection
// Pool, and the directory cache (spec.md §3 "Backend").
type Backend struct {
	opt  Options
	log  *logrus.Entry
	pool *Pool
	dirs *DirCache

	systemType SystemType // set during the first successful bootstrap

	featuresOnce sync.Once
	features     atomic.Uint32 // Feature bitset, immutable after mount

	workarounds workaroundBits
	method      dataMethodBox

	// tokens bounds the number of Tasks concurrently holding a
	// Connection to Options.Concurrency, a hard ceiling the Pool's
	// server-discovered M is never allowed to exceed even when the
	// server would otherwise tolerate more open sockets.
	tokens *pacer.TokenDispenser

	// listBufs recycles the scratch buffers used to drain LIST replies,
	// avoiding a fresh heap allocation per directory fetch.
	listBufs *bufpool.Pool

	connSeq atomic.Uint64

	mu          sync.Mutex
	displayName string
}

// Mount dials no connections itself (bootstrap happens lazily on first
// Task.Acquire) but validates options and prepares the Pool and cache.
// name is the mount's display name, used in log lines.
func Mount(name string, opt Options) (*Backend, error) {
	if opt.Host == "" {
		return nil, newErr(KindFailed, "mount requires a host")
	}
	if opt.Port == 0 {
		opt.Port = 21
	}
	log := gvfslog.ForMount(name, opt.Host)
	b := &Backend{
		opt:         opt,
		log:         log,
		pool:        NewPool(opt.AcquireTimeout, opt.IdleTimeout, log),
		dirs:        NewDirCache(256),
		displayName: name,
		tokens:      pacer.NewTokenDispenser(opt.Concurrency),
		listBufs:    bufpool.New(60*time.Second, listBufferSize, 2, false),
	}
	b.method.store(MethodAny)
	return b, nil
}

// Unmount drains the Pool, freeing every connection (spec.md §6
// "unmount").
func (b *Backend) Unmount() {
	b.pool.Shutdown()
}

// DisplayName returns the mount's current display name.
func (b *Backend) DisplayName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.displayName
}

func (b *Backend) dialAddr() string {
	return fmt.Sprintf("%s:%d", b.opt.Host, b.opt.Port)
}

func (b *Backend) nextConnID() string {
	return fmt.Sprintf("%s-%d", b.displayName, b.connSeq.Add(1))
}

func (b *Backend) featureBits() Feature { return Feature(b.features.Load()) }

// newTaskFor starts a Task for one job, with a log entry scoped to op.
func (b *Backend) newTaskFor(op string) *Task {
	return newTask(b, gvfslog.ForTask(b.log, op))
}

// listArgs returns the LIST argument set for the server's dialect, per
// spec.md §6 ("LIST (with -a suffix on Unix-like servers)").
func (b *Backend) listArgs() string {
	if b.systemType == SystemUnix {
		return "-a"
	}
	return ""
}

// --- Public backend operations (spec.md §6) ---

// FileInfo is the result of query-info and one entry of enumerate.
type FileInfo struct {
	Path       vfspath.Path
	IsDir      bool
	IsSymlink  bool
	LinkTarget string
	Size       int64
	ModTime    time.Time
	Hidden     bool
}

// QueryInfo resolves path to a FileInfo, following the directory-cache
// lookup-then-probe protocol of spec.md §4.5. nofollow, when true,
// reports a symlink itself rather than its target.
func (b *Backend) QueryInfo(ctx context.Context, path vfspath.Path, nofollow bool) (*FileInfo, error) {
	t := b.newTaskFor("query-info")
	if err := t.Acquire(ctx); err != nil {
		return nil, err
	}
	defer t.Release()

	info, err := b.lookupInParentListing(ctx, t, path)
	if err != nil {
		return nil, err
	}
	if info != nil {
		info.Path = path
		if info.IsSymlink && !nofollow {
			return b.followSymlink(ctx, t, path, info, 0)
		}
		return info, nil
	}
	return b.probeExistence(ctx, t, path)
}

// lookupInParentListing implements spec.md §4.5 steps 1-3: serve the
// parent's cached listing if present, otherwise fetch it via LIST and
// cache it, then scan for the requested child.
func (b *Backend) lookupInParentListing(ctx context.Context, t *Task, path vfspath.Path) (*FileInfo, error) {
	parent := path.Parent()
	raw, err := b.dirs.Fetch(ctx, parent.Server(), func(ctx context.Context) ([]byte, error) {
		return b.fetchListing(ctx, t, parent)
	})
	if err != nil {
		return nil, err
	}
	name := path.Base()
	return scanListingFor(raw, name, b.systemType, time.Now())
}

// scanListingFor parses raw line by line looking for name, returning
// nil (no error) if the scan completes without a match.
func scanListingFor(raw []byte, name string, sys SystemType, now time.Time) (*FileInfo, error) {
	p := NewListingParser()
	for _, line := range splitLines(raw) {
		e := p.Parse(line)
		switch e.Kind {
		case EntryIgnore:
			continue
		case EntryDirectory:
			if e.Name == "." || e.Name == ".." {
				continue
			}
		}
		if e.Name != name {
			continue
		}
		return entryToFileInfo(e, sys, now), nil
	}
	return nil, nil
}

func entryToFileInfo(e Entry, sys SystemType, now time.Time) *FileInfo {
	fi := &FileInfo{
		IsDir:      e.Kind == EntryDirectory,
		IsSymlink:  e.Kind == EntrySymlink,
		LinkTarget: e.LinkTarget,
		ModTime:    e.ModTime.Resolve(now, time.Local),
		Hidden:     IsUnixHidden(sys, e.Name),
	}
	if e.Size != "" {
		fi.Size = parseInt64(e.Size)
	}
	return fi
}

func parseInt64(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

func splitLines(raw []byte) []string {
	var lines []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, string(raw[start:i]))
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, string(raw[start:]))
	}
	return lines
}

// fetchListing issues LIST against dir and returns the raw payload.
func (b *Backend) fetchListing(ctx context.Context, t *Task, dir vfspath.Path) ([]byte, error) {
	method, err := b.openDataForTransfer(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := b.sendCWD(ctx, t, dir); err != nil {
		_ = t.conn.CloseData()
		return nil, err
	}
	cmd := "LIST"
	if args := b.listArgs(); args != "" {
		cmd = "LIST " + args
	}
	return b.runDataTransfer(ctx, t, cmd, method)
}

// openDataForTransfer negotiates a data channel using the Backend's
// preferred method, falling back through the ANY policy the first time
// (spec.md §4.3).
func (b *Backend) openDataForTransfer(ctx context.Context, t *Task) (DataMethod, error) {
	preferred := b.method.load()
	sendCmd := func(cmd string) (int, []string, error) {
		return sendRaw(ctx, t.conn, cmd)
	}
	method, err := openDataChannel(ctx, t.conn, preferred, b.featureBits(), sendCmd)
	if err != nil {
		return 0, t.latch(err)
	}
	b.method.casPreferredMethod(method)
	t.lastMethod = method
	return method, nil
}

func (b *Backend) sendCWD(ctx context.Context, t *Task, dir vfspath.Path) error {
	return t.sendAndCheckOn(ctx, t.conn, "CWD "+dir.Server(), 0, nil)
}

// runDataTransfer sends the transfer-triggering command, accepts the
// data connection for active modes, reads the full payload, and
// verifies the closing 226/250 reply.
func (b *Backend) runDataTransfer(ctx context.Context, t *Task, cmd string, method DataMethod) ([]byte, error) {
	flags := ReplyFlags(0)
	if method == MethodEPRT || method == MethodPORT {
		flags = Pass100
	}
	code, _, err := t.sendAndCheckOnFull(ctx, t.conn, cmd, flags, nil)
	if err != nil {
		return nil, err
	}
	if method == MethodEPRT || method == MethodPORT {
		if code/100 != 1 {
			return nil, t.latch(newErr(KindFailed, "expected preliminary reply before active-mode transfer"))
		}
		if err := t.conn.AcceptData(ctx); err != nil {
			return nil, t.latch(err)
		}
	}
	buf, err := readAllData(t.conn, b.listBufs)
	if err != nil {
		return nil, t.latch(err)
	}
	_ = t.conn.CloseData()
	code, _, err = t.conn.Receive(ctx)
	if err != nil {
		return nil, t.latch(err)
	}
	if code/100 != 2 {
		return nil, t.latch(newErr(codeToKind(code), "transfer completion reply"))
	}
	return buf, nil
}

func readAllData(conn *Connection, bufs *bufpool.Pool) ([]byte, error) {
	var buf []byte
	tmp := bufs.Get()
	defer bufs.Put(tmp)
	for {
		n, err := conn.ReadData(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || IsKind(err, KindClosed) {
				return buf, nil
			}
			return buf, err
		}
	}
}

// followSymlink recursively resolves a symlink entry, bounded at
// MaxSymlinkFollowDepth hops (spec.md §9).
func (b *Backend) followSymlink(ctx context.Context, t *Task, original vfspath.Path, info *FileInfo, depth int) (*FileInfo, error) {
	if depth >= MaxSymlinkFollowDepth {
		return nil, newErr(KindFailed, "too many levels of symbolic links")
	}
	target := info.LinkTarget
	var resolved vfspath.Path
	if len(target) > 0 && target[0] == '/' {
		resolved = vfspath.New(target)
	} else {
		resolved = original.Parent().Join(target)
	}
	next, err := b.lookupInParentListing(ctx, t, resolved)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, newErr(KindNotFound, "symlink target not found")
	}
	next.Path = resolved
	if next.IsSymlink {
		return b.followSymlink(ctx, t, resolved, next, depth+1)
	}
	return next, nil
}

// probeExistence implements spec.md §4.5's per-file fallback: CWD to
// test for a directory, else SIZE to test for a regular file, else
// not-found.
func (b *Backend) probeExistence(ctx context.Context, t *Task, path vfspath.Path) (*FileInfo, error) {
	code, _, err := sendRaw(ctx, t.conn, "CWD "+path.Server())
	if err != nil {
		return nil, t.latch(err)
	}
	if code/100 == 2 {
		// Return to root-relative state isn't tracked per-connection in
		// this design (every command sends an absolute path), so no CWD
		// back is necessary.
		return &FileInfo{Path: path, IsDir: true, Hidden: IsUnixHidden(b.systemType, path.Base())}, nil
	}
	code, lines, err := sendRaw(ctx, t.conn, "SIZE "+path.Server())
	if err != nil {
		return nil, t.latch(err)
	}
	if code == 213 && len(lines) > 0 {
		return &FileInfo{Path: path, Size: parseInt64(lastField(lines[len(lines)-1])), Hidden: IsUnixHidden(b.systemType, path.Base())}, nil
	}
	return nil, newErr(KindNotFound, "not found")
}

// closeReceive reads the final control-channel reply after a transfer's
// data channel has closed, bounded by Options.CloseTimeout independently
// of ctx: a server that never sends the closing 226 after DATA FIN
// should not hang a close-read/close-write call forever (spec.md §6
// "close-read"/"close-write").
func (b *Backend) closeReceive(ctx context.Context, conn *Connection) (int, []string, error) {
	if b.opt.CloseTimeout <= 0 {
		return conn.Receive(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, b.opt.CloseTimeout)
	defer cancel()
	code, lines, err := conn.Receive(cctx)
	if err != nil && cctx.Err() != nil && ctx.Err() == nil {
		return 0, nil, newErr(KindClosed, "timed out waiting for transfer completion reply")
	}
	return code, lines, err
}

func lastField(line string) string {
	i := len(line) - 1
	for i >= 0 && line[i] != ' ' {
		i--
	}
	return line[i+1:]
}
