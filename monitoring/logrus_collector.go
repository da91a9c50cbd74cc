package monitoring

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// LogrusCollector is a logrus hook counting emitted log entries by level and
// package prefix, exposed through the node's metrics registry.
type LogrusCollector struct {
	counterVec *prometheus.CounterVec
}

var collectedLevels = []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}

const prefixKey = "prefix"
const defaultPrefix = "global"

// NewLogrusCollector registers the log counter on registry and returns the
// hook to install with logrus.AddHook.
func NewLogrusCollector(registry *prometheus.Registry) *LogrusCollector {
	return &LogrusCollector{
		counterVec: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "log_entries_total",
			Help: "Total number of log messages.",
		}, []string{"level", "prefix"}),
	}
}

// Fire is called on every log call.
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := defaultPrefix
	if prefixValue, ok := entry.Data[prefixKey]; ok {
		prefix, ok = prefixValue.(string)
		if !ok {
			return errors.New("prefix is not a string")
		}
	}
	hook.counterVec.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels returns the levels this hook collects.
func (*LogrusCollector) Levels() []logrus.Level {
	return collectedLevels
}
