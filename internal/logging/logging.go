// Package logging wraps logrus with the structured field names the rest
// of the core logs under.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the base logger: JSON output, level from FABRICD_LOG_LEVEL
// (default info), structured machine-parseable logs over plain text in
// production.
func New() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(os.Getenv("FABRICD_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return logrus.NewEntry(log)
}

// Procedure returns a logger scoped to one procedure.
func Procedure(log *logrus.Entry, uuid, event string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"procedure": uuid, "event": event})
}

// Job returns a logger scoped to one job within a procedure.
func Job(log *logrus.Entry, jobID int) *logrus.Entry {
	return log.WithField("job", jobID)
}

// Group returns a logger scoped to one group, used by the failure
// detector's per-tick logging.
func Group(log *logrus.Entry, groupID string) *logrus.Entry {
	return log.WithField("group", groupID)
}
