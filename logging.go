package pool

import "github.com/sirupsen/logrus"

// defaultLogger is used by any Config[T] that does not set Logger. Tests and
// hosting applications may swap it out per-pool via Config.Logger.
var defaultLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}()
