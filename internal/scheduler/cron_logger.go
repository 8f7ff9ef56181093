package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/timmy/conveyor/internal/logger"
)

// cronLogger forwards cron's key/value logging to logrus.
type cronLogger struct{}

var _ cron.Logger = cronLogger{}

func newCronLogger() cronLogger { return cronLogger{} }

// Info logs routine scheduling events at debug level.
func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.GetDefault().WithFields(kvFields(keysAndValues)).
		WithField(logger.FieldComponent, "cron").Debug(msg)
}

// Error logs recovered panics and other cron failures.
func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.GetDefault().WithFields(kvFields(keysAndValues)).
		WithField(logger.FieldComponent, "cron").WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) logger.Fields {
	fields := make(logger.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
