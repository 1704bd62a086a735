package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gvfsd/ftpfs/backend/ftp"
	"github.com/gvfsd/ftpfs/vfspath"
)

// JobKind enumerates the sealed set of request shapes a Session can
// dispatch, replacing the source's opaque gpointer-carrying async job
// objects with a typed tagged union (spec.md §9 "Job as a sealed tagged
// union of request types carrying typed payloads").
type JobKind int

const (
	JobQueryInfo JobKind = iota
	JobEnumerate
	JobMakeDirectory
	JobDelete
	JobSetDisplayName
	JobMove
)

// Job is one unit of dispatchable work. Only the fields relevant to Kind
// are meaningful; there is no shared untyped payload.
type Job struct {
	Kind     JobKind
	Path     string
	Dest     string // Move
	NewName  string // SetDisplayName
	Nofollow bool   // QueryInfo
	IsDir    bool   // Delete
	Overwrite bool  // Move
	MakeBackup bool // Move
}

// ParseJob turns one REPL input line into a Job, or an error describing
// why the line didn't match any known job shape. This stands in for the
// IPC transport spec.md §1 explicitly scopes out: a session-local
// routing table, not a process-wide singleton (spec.md §9).
func ParseJob(line string) (Job, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Job{}, fmt.Errorf("empty command")
	}
	verb, rest := fields[0], fields[1:]
	switch verb {
	case "query-info":
		if len(rest) < 1 {
			return Job{}, fmt.Errorf("usage: query-info [-L] <path>")
		}
		nofollow := true
		path := rest[0]
		if rest[0] == "-L" {
			nofollow = false
			if len(rest) < 2 {
				return Job{}, fmt.Errorf("usage: query-info [-L] <path>")
			}
			path = rest[1]
		}
		return Job{Kind: JobQueryInfo, Path: path, Nofollow: nofollow}, nil
	case "enumerate":
		if len(rest) != 1 {
			return Job{}, fmt.Errorf("usage: enumerate <path>")
		}
		return Job{Kind: JobEnumerate, Path: rest[0]}, nil
	case "mkdir":
		if len(rest) != 1 {
			return Job{}, fmt.Errorf("usage: mkdir <path>")
		}
		return Job{Kind: JobMakeDirectory, Path: rest[0]}, nil
	case "delete":
		if len(rest) < 1 {
			return Job{}, fmt.Errorf("usage: delete [-d] <path>")
		}
		isDir := false
		path := rest[0]
		if rest[0] == "-d" {
			isDir = true
			if len(rest) < 2 {
				return Job{}, fmt.Errorf("usage: delete [-d] <path>")
			}
			path = rest[1]
		}
		return Job{Kind: JobDelete, Path: path, IsDir: isDir}, nil
	case "rename":
		if len(rest) != 2 {
			return Job{}, fmt.Errorf("usage: rename <path> <new-name>")
		}
		return Job{Kind: JobSetDisplayName, Path: rest[0], NewName: rest[1]}, nil
	case "move":
		overwrite, makeBackup := false, false
		for len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
			switch rest[0] {
			case "-f":
				overwrite = true
			case "-b":
				makeBackup = true
			default:
				return Job{}, fmt.Errorf("usage: move [-f] [-b] <src> <dst>")
			}
			rest = rest[1:]
		}
		if len(rest) != 2 {
			return Job{}, fmt.Errorf("usage: move [-f] [-b] <src> <dst>")
		}
		return Job{Kind: JobMove, Path: rest[0], Dest: rest[1], Overwrite: overwrite, MakeBackup: makeBackup}, nil
	default:
		return Job{}, fmt.Errorf("unknown command %q", verb)
	}
}

// Session owns one mount's Backend and routes Jobs against it.
type Session struct {
	backend *ftp.Backend
}

// Dispatch executes j and returns a human-readable result line.
func (s *Session) Dispatch(ctx context.Context, j Job) (string, error) {
	switch j.Kind {
	case JobQueryInfo:
		info, err := s.backend.QueryInfo(ctx, vfspath.New(j.Path), j.Nofollow)
		if err != nil {
			return "", err
		}
		return formatInfo(info), nil

	case JobEnumerate:
		var lines []string
		err := s.backend.Enumerate(ctx, vfspath.New(j.Path), func(name string, info *ftp.FileInfo) error {
			lines = append(lines, fmt.Sprintf("%s\t%s", name, formatInfo(info)))
			return nil
		})
		if err != nil {
			return "", err
		}
		return strings.Join(lines, "\n"), nil

	case JobMakeDirectory:
		if err := s.backend.MakeDirectory(ctx, vfspath.New(j.Path)); err != nil {
			return "", err
		}
		return "ok", nil

	case JobDelete:
		if err := s.backend.Delete(ctx, vfspath.New(j.Path), j.IsDir); err != nil {
			return "", err
		}
		return "ok", nil

	case JobSetDisplayName:
		newPath, err := s.backend.SetDisplayName(ctx, vfspath.New(j.Path), j.NewName)
		if err != nil {
			return "", err
		}
		return newPath.Outward(), nil

	case JobMove:
		if err := s.backend.Move(ctx, vfspath.New(j.Path), vfspath.New(j.Dest), j.Overwrite, j.MakeBackup); err != nil {
			return "", err
		}
		return "ok", nil

	default:
		return "", fmt.Errorf("unhandled job kind %d", j.Kind)
	}
}

func formatInfo(info *ftp.FileInfo) string {
	kind := "file"
	if info.IsDir {
		kind = "dir"
	} else if info.IsSymlink {
		kind = "symlink -> " + info.LinkTarget
	}
	return fmt.Sprintf("%s size=%d mtime=%s hidden=%v", kind, info.Size, info.ModTime.Format("2006-01-02T15:04:05"), info.Hidden)
}
