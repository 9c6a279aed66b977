package metaapi

import (
	"github.com/sirupsen/logrus"
)

// log is the module-level logger. It is swapped as a whole by SetLogger, so
// no state survives a teardown and re-initialization.
var log = logrus.StandardLogger()

// SetLogger injects the logger used by the whole module. Passing nil resets
// to the logrus standard logger.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		log = logrus.StandardLogger()
		return
	}
	log = l
}
