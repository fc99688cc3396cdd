package listener

import (
	"context"

	"go.uber.org/zap"

	"github.com/baldanca/batch-listener/source"
)

// Log writes a line per batch and, at debug level, a line per message.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) OnBatch(ctx context.Context, msgs []source.Message) error {
	l.logger.Info("batch received", zap.Int("batch_size", len(msgs)))
	if !l.logger.Core().Enabled(zap.DebugLevel) {
		return nil
	}
	for _, m := range msgs {
		d := m.Data()
		l.logger.Debug("message",
			zap.String("message_id", m.ID()),
			zap.Int("bytes", len(d.Payload)),
			zap.Any("attributes", d.Attributes),
		)
	}
	return nil
}
