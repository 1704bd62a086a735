// Package gvfslog centralises the logrus configuration used across the
// daemon and CLI tools, and builds per-mount/per-task loggers that carry
// their context as structured fields instead of the teacher's
// string-formatted "FTP Rx"/"FTP Tx" tags.
package gvfslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// ForMount returns a logger scoped to one mount, tagged with its name
// and host so every subsequent line is attributable without repeating
// the mount identity in every message.
func ForMount(name, host string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"mount": name,
		"host":  host,
	})
}

// ForTask derives a per-operation logger from a mount logger.
func ForTask(mountLog *logrus.Entry, op string) *logrus.Entry {
	return mountLog.WithField("op", op)
}
