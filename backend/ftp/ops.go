package ftp

import (
	"context"
	"io"
	"time"

	"github.com/gvfsd/ftpfs/vfspath"
)

// OpenFlag controls open-for-write semantics (spec.md §6 "open-for-write
// / create / append / replace").
type OpenFlag int

const (
	OpenCreate OpenFlag = iota
	OpenAppend
	OpenReplace
)

// ReadHandle is the opaque, non-seekable handle returned by OpenForRead.
type ReadHandle struct {
	b    *Backend
	t    *Task
	conn *Connection
}

// WriteHandle is the opaque, non-seekable handle returned by
// OpenForWrite/Create/Append/Replace.
type WriteHandle struct {
	b    *Backend
	t    *Task
	conn *Connection
	path vfspath.Path
}

// Enumerate lists dir's children, invoking emit for each entry (spec.md
// §6 "enumerate": "stream of file-info records"). It filters "." and
// "..", and resolves each entry's hidden flag against the server's
// system type. emit returning an error aborts enumeration early and
// that error is returned.
func (b *Backend) Enumerate(ctx context.Context, dir vfspath.Path, emit func(name string, info *FileInfo) error) error {
	t := b.newTaskFor("enumerate")
	if err := t.Acquire(ctx); err != nil {
		return err
	}
	defer t.Release()

	raw, err := b.dirs.Fetch(ctx, dir.Server(), func(ctx context.Context) ([]byte, error) {
		return b.fetchListing(ctx, t, dir)
	})
	if err != nil {
		if IsKind(err, KindFailed) {
			// FTP returns success for a directory that doesn't exist when
			// LIST of it happens to produce no matches on some servers;
			// disambiguate via the same existence probe query-info uses.
			if info, probeErr := b.probeExistence(ctx, t, dir); probeErr == nil && info != nil && !info.IsDir {
				return newErr(KindNotADirectory, "not a directory")
			}
		}
		return err
	}

	now := time.Now()
	p := NewListingParser()
	for _, line := range splitLines(raw) {
		e := p.Parse(line)
		if e.Kind == EntryIgnore {
			continue
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		info := entryToFileInfo(e, b.systemType, now)
		if err := emit(e.Name, info); err != nil {
			return err
		}
	}
	return nil
}

// OpenForRead opens path for streaming, non-seekable read (spec.md §6
// "open-for-read").
func (b *Backend) OpenForRead(ctx context.Context, path vfspath.Path) (*ReadHandle, error) {
	t := b.newTaskFor("open-for-read")
	if err := t.Acquire(ctx); err != nil {
		return nil, err
	}

	method, err := b.openDataForTransfer(ctx, t)
	if err != nil {
		t.Release()
		return nil, err
	}
	flags := ReplyFlags(0)
	if method == MethodEPRT || method == MethodPORT {
		flags = Pass100
	}
	code, _, err := t.sendAndCheckOnFull(ctx, t.conn, "RETR "+path.Server(), flags, []func(int, []string) error{
		b.hookIsDirectory(ctx, t, path),
		b.hookNotFound(ctx, t, path),
	})
	if err != nil {
		_ = t.conn.CloseData()
		t.Release()
		return nil, err
	}
	if (method == MethodEPRT || method == MethodPORT) && code/100 == 1 {
		if err := t.conn.AcceptData(ctx); err != nil {
			t.Release()
			return nil, t.latch(err)
		}
	}
	conn := t.Donate()
	return &ReadHandle{b: b, t: t, conn: conn}, nil
}

// Read implements io.Reader over the data channel.
func (h *ReadHandle) Read(p []byte) (int, error) {
	n, err := h.conn.ReadData(p)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, err
}

// CloseRead finishes the transfer: closes the data channel, consumes
// the closing control-channel reply, and releases the Connection
// (spec.md §6 "close-read").
func (h *ReadHandle) CloseRead(ctx context.Context) error {
	_ = h.conn.CloseData()
	h.t.Reclaim(h.conn)
	code, _, err := h.b.closeReceive(ctx, h.conn)
	if err != nil {
		h.t.Release()
		return err
	}
	if code/100 != 2 {
		h.t.Release()
		return newErr(codeToKind(code), "RETR completion reply")
	}
	h.t.Release()
	return nil
}

// OpenForWrite opens path for streaming, non-seekable write under the
// given flag (spec.md §6 "open-for-write / create / append / replace").
func (b *Backend) OpenForWrite(ctx context.Context, path vfspath.Path, flag OpenFlag) (*WriteHandle, error) {
	t := b.newTaskFor("open-for-write")
	if err := t.Acquire(ctx); err != nil {
		return nil, err
	}

	var cmd string
	switch flag {
	case OpenAppend:
		cmd = "APPE " + path.Server()
	default:
		cmd = "STOR " + path.Server()
	}

	if flag == OpenCreate {
		// Refuse to clobber an existing file: probe first so a 550 on
		// STOR (which some servers return generically) isn't needed to
		// detect the common case.
		if existing, err := b.lookupInParentListing(ctx, t, path); err == nil && existing != nil {
			t.Release()
			return nil, newErr(KindTargetExists, "target exists")
		}
	}

	method, err := b.openDataForTransfer(ctx, t)
	if err != nil {
		t.Release()
		return nil, err
	}
	flags := ReplyFlags(0)
	if method == MethodEPRT || method == MethodPORT {
		flags = Pass100
	}
	code, _, err := t.sendAndCheckOnFull(ctx, t.conn, cmd, flags, []func(int, []string) error{
		b.hookParentMissing(ctx, t, path),
	})
	if err != nil {
		_ = t.conn.CloseData()
		t.Release()
		return nil, err
	}
	if (method == MethodEPRT || method == MethodPORT) && code/100 == 1 {
		if err := t.conn.AcceptData(ctx); err != nil {
			t.Release()
			return nil, t.latch(err)
		}
	}
	conn := t.Donate()
	b.dirs.Invalidate(path.Parent().Server())
	return &WriteHandle{b: b, t: t, conn: conn, path: path}, nil
}

// Write implements io.Writer over the data channel.
func (h *WriteHandle) Write(p []byte) (int, error) {
	return h.conn.WriteData(p)
}

// CloseWrite finishes the transfer (spec.md §6 "close-write").
func (h *WriteHandle) CloseWrite(ctx context.Context) error {
	_ = h.conn.CloseData()
	h.t.Reclaim(h.conn)
	code, _, err := h.b.closeReceive(ctx, h.conn)
	if err != nil {
		h.t.Release()
		return err
	}
	if code/100 != 2 {
		h.t.Release()
		return newErr(codeToKind(code), "STOR completion reply")
	}
	if !h.b.opt.NoCheckUpload {
		if verifyErr := h.verifyUpload(ctx); verifyErr != nil {
			h.t.Release()
			return verifyErr
		}
	}
	h.t.Release()
	return nil
}

// verifyUpload confirms the server actually landed the file by probing
// SIZE after the completion reply, catching servers that return a false
// 226/250 (teacher: Object.Update's post-STOR SetModTime/getInfo round
// trip, skipped when Options.NoCheckUpload is set).
func (h *WriteHandle) verifyUpload(ctx context.Context) error {
	code, _, err := sendRaw(ctx, h.conn, "SIZE "+h.path.Server())
	if err != nil {
		return err
	}
	if code != 213 {
		return newErr(codeToKind(code), "upload verification failed")
	}
	return nil
}

// MakeDirectory implements spec.md §6 "make-directory", using the 550
// disambiguation hook from the worked example in spec.md §8.3.
func (b *Backend) MakeDirectory(ctx context.Context, path vfspath.Path) error {
	t := b.newTaskFor("make-directory")
	if err := t.Acquire(ctx); err != nil {
		return err
	}
	defer t.Release()

	err := t.sendAndCheckOn(ctx, t.conn, "MKD "+path.Server(), 0, []func(int, []string) error{
		b.hookTargetExists(ctx, t, path),
		b.hookParentMissing(ctx, t, path),
	})
	if err == nil {
		b.dirs.Invalidate(path.Parent().Server())
	}
	return err
}

// Delete implements spec.md §6 "delete": tries RMD first (the target
// may be a directory), falling back to DELE.
func (b *Backend) Delete(ctx context.Context, path vfspath.Path, isDir bool) error {
	t := b.newTaskFor("delete")
	if err := t.Acquire(ctx); err != nil {
		return err
	}
	defer t.Release()

	cmd := "DELE " + path.Server()
	var hooks []func(int, []string) error
	if isDir {
		cmd = "RMD " + path.Server()
		hooks = []func(int, []string) error{b.hookNotEmpty(ctx, t, path)}
	}
	err := t.sendAndCheckOn(ctx, t.conn, cmd, 0, hooks)
	if err == nil {
		b.dirs.Invalidate(path.Parent().Server())
		b.dirs.InvalidateTree(path.Server())
	}
	return err
}

// SetDisplayName implements spec.md §6 "set-display-name": renames the
// basename in place via RNFR/RNTO and returns the new path.
func (b *Backend) SetDisplayName(ctx context.Context, path vfspath.Path, newName string) (vfspath.Path, error) {
	if err := vfspath.ValidateName(newName); err != nil {
		return vfspath.Path{}, newErr(KindInvalidFilename, err.Error())
	}
	newPath, err := path.Parent().Child(newName)
	if err != nil {
		return vfspath.Path{}, newErr(KindInvalidFilename, err.Error())
	}

	t := b.newTaskFor("set-display-name")
	if err := t.Acquire(ctx); err != nil {
		return vfspath.Path{}, err
	}
	defer t.Release()

	if err := t.sendAndCheckOn(ctx, t.conn, "RNFR "+path.Server(), Pass300, nil); err != nil {
		return vfspath.Path{}, err
	}
	if err := t.sendAndCheckOn(ctx, t.conn, "RNTO "+newPath.Server(), 0, []func(int, []string) error{
		b.hookTargetExists(ctx, t, newPath),
	}); err != nil {
		return vfspath.Path{}, err
	}
	b.dirs.Invalidate(path.Parent().Server())
	return newPath, nil
}

// Move implements spec.md §6 "move". overwrite permits clobbering an
// existing target; makeBackup asks the backend to keep a backup of any
// overwritten target, which FTP has no protocol support for.
func (b *Backend) Move(ctx context.Context, src, dst vfspath.Path, overwrite, makeBackup bool) error {
	if makeBackup {
		return newErr(KindBackupNotSupported, "FTP backend cannot keep a backup of an overwritten target")
	}

	t := b.newTaskFor("move")
	if err := t.Acquire(ctx); err != nil {
		return err
	}
	defer t.Release()

	if !overwrite {
		if existing, err := b.lookupInParentListing(ctx, t, dst); err == nil && existing != nil {
			return newErr(KindTargetExists, "target exists")
		}
	}

	if err := t.sendAndCheckOn(ctx, t.conn, "RNFR "+src.Server(), Pass300, nil); err != nil {
		return err
	}
	if err := t.sendAndCheckOn(ctx, t.conn, "RNTO "+dst.Server(), 0, nil); err != nil {
		return err
	}
	b.dirs.Invalidate(src.Parent().Server())
	b.dirs.Invalidate(dst.Parent().Server())
	return nil
}

// --- 550 disambiguation hooks (spec.md §4.2 "send_and_check") ---

func (b *Backend) hookTargetExists(ctx context.Context, t *Task, path vfspath.Path) func(int, []string) error {
	return func(int, []string) error {
		code, _, err := sendRaw(ctx, t.conn, "CWD "+path.Server())
		if err == nil && code/100 == 2 {
			return newErr(KindTargetExists, "target exists")
		}
		code, _, err = sendRaw(ctx, t.conn, "SIZE "+path.Server())
		if err == nil && code == 213 {
			return newErr(KindTargetExists, "target exists")
		}
		return nil
	}
}

func (b *Backend) hookIsDirectory(ctx context.Context, t *Task, path vfspath.Path) func(int, []string) error {
	return func(int, []string) error {
		code, _, err := sendRaw(ctx, t.conn, "CWD "+path.Server())
		if err == nil && code/100 == 2 {
			return newErr(KindIsDirectory, "is a directory")
		}
		return nil
	}
}

func (b *Backend) hookNotFound(ctx context.Context, t *Task, path vfspath.Path) func(int, []string) error {
	return func(int, []string) error {
		return newErr(KindNotFound, "not found")
	}
}

// hookNotEmpty disambiguates a 550 on RMD: if the directory still
// exists (CWD succeeds) and its listing has at least one non-"."/".."
// entry, the failure is "not-empty" rather than the generic "failed"
// (spec.md §8 boundary behaviour: "delete(p) where p is a non-empty
// directory yields not-empty").
func (b *Backend) hookNotEmpty(ctx context.Context, t *Task, path vfspath.Path) func(int, []string) error {
	return func(int, []string) error {
		code, _, err := sendRaw(ctx, t.conn, "CWD "+path.Server())
		if err != nil || code/100 != 2 {
			return nil
		}
		raw, err := b.fetchListing(ctx, t, path)
		if err != nil {
			return nil
		}
		p := NewListingParser()
		for _, line := range splitLines(raw) {
			e := p.Parse(line)
			if e.Kind == EntryIgnore || e.Name == "." || e.Name == ".." {
				continue
			}
			return newErr(KindNotEmpty, "directory not empty")
		}
		return nil
	}
}

func (b *Backend) hookParentMissing(ctx context.Context, t *Task, path vfspath.Path) func(int, []string) error {
	return func(int, []string) error {
		code, _, err := sendRaw(ctx, t.conn, "CWD "+path.Parent().Server())
		if err == nil && code/100 != 2 {
			return newErr(KindFailed, "parent directory missing")
		}
		return nil
	}
}
