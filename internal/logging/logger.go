package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Init configures the global logrus logger. Production gets JSON output
// for log aggregation; everything else gets the text formatter with
// debug enabled.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	if env == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetOutput(os.Stdout)
}

// WithSession returns a logger with session context fields attached.
func WithSession(sessionID, userID string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
	})
}
