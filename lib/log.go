package lib

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "tcpcore")

// SetLogLevel applies the configured level to the process-wide logger.
// Unknown level strings fall back to info.
func SetLogLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}
