package sampler

import (
	log "github.com/sirupsen/logrus"
)

// notifier suppresses repeated log lines per channel. The first failure
// logs, consecutive failures stay silent, and the first success after a
// failure logs a recovery notice. Warn-level and error-level streams are
// tracked independently.
type notifier struct {
	warned  map[string]bool
	errored map[string]bool
}

func newNotifier() *notifier {
	return &notifier{
		warned:  make(map[string]bool),
		errored: make(map[string]bool),
	}
}

func (n *notifier) warn(channel, format string, args ...interface{}) {
	if n.warned[channel] {
		return
	}
	n.warned[channel] = true
	log.WithField("channel", channel).Warnf(format, args...)
}

func (n *notifier) error(channel, format string, args ...interface{}) {
	if n.errored[channel] {
		return
	}
	n.errored[channel] = true
	log.WithField("channel", channel).Errorf(format, args...)
}

// ok clears both flags, logging recovery if either was set.
func (n *notifier) ok(channel string) {
	if n.warned[channel] || n.errored[channel] {
		log.WithField("channel", channel).Info("channel recovered")
	}
	delete(n.warned, channel)
	delete(n.errored, channel)
}
