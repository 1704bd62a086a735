// Command gvfsd-ftp mounts a remote FTP server and serves backend
// operations to an in-process Session (spec.md §6 "mount"/"unmount").
// The real daemon's message-bus transport is an explicit Non-goal
// (spec.md §1); this entrypoint exposes the same Job-routed operation
// surface over a line-oriented stdin/stdout protocol instead, which is
// enough to mount, drive, and unmount an FTP backend end to end.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gvfsd/ftpfs/backend/ftp"
)

func main() {
	var (
		host, user, pass string
		port             int
		tlsOn, explicit  bool
		noCheckCert      bool
		concurrency      int
		name             string
	)

	cmd := &cobra.Command{
		Use:   "gvfsd-ftp --host <host> [flags]",
		Short: "Mount a remote FTP server as a gvfs-style backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			opt := ftp.DefaultOptions()
			opt.Host, opt.User, opt.Pass = host, user, pass
			if port != 0 {
				opt.Port = port
			}
			opt.TLS, opt.ExplicitTLS, opt.NoCheckCert = tlsOn, explicit, noCheckCert
			if concurrency > 0 {
				opt.Concurrency = concurrency
			}
			if name == "" {
				name = host
			}

			b, err := ftp.Mount(name, opt)
			if err != nil {
				return fmt.Errorf("mount: %w", err)
			}
			defer b.Unmount()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess := &Session{backend: b}
			return runREPL(ctx, sess, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "FTP server host (required)")
	cmd.Flags().IntVar(&port, "port", 0, "FTP server port (default 21)")
	cmd.Flags().StringVar(&user, "user", "anonymous", "username")
	cmd.Flags().StringVar(&pass, "pass", "", "password")
	cmd.Flags().BoolVar(&tlsOn, "tls", false, "use implicit FTPS")
	cmd.Flags().BoolVar(&explicit, "explicit-tls", false, "use explicit FTPS (AUTH TLS)")
	cmd.Flags().BoolVar(&noCheckCert, "no-check-certificate", false, "skip TLS certificate verification")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "hard ceiling on concurrent connections (0 = server-discovered)")
	cmd.Flags().StringVar(&name, "name", "", "mount display name (defaults to host)")
	_ = cmd.MarkFlagRequired("host")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gvfsd-ftp:", err)
		os.Exit(1)
	}
}

// runREPL reads one job per line from in until EOF, cancellation, or a
// "quit" line, writing each result (or error) to out.
func runREPL(ctx context.Context, sess *Session, in *os.File, out *os.File) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == "quit" {
			return nil
		}
		job, err := ParseJob(line)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		result, err := sess.Dispatch(ctx, job)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		fmt.Fprintln(out, result)
	}
	return scanner.Err()
}
