package service

import (
	"context"

	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/transfer"
)

// TextSender delivers plain text to a user.
type TextSender interface {
	SendText(ctx context.Context, userID int64, text string) error
}

// ChatReporters sends progress to the user's chat. Errors are logged and
// swallowed so a broken chat never fails a job.
func ChatReporters(sender TextSender, log logging.Logger) ReporterFactory {
	return func(userID int64) transfer.Reporter {
		return transfer.ReporterFunc(func(ctx context.Context, text string) error {
			if err := sender.SendText(ctx, userID, text); err != nil {
				log.Debug("progress message not delivered", logging.Int64("user_id", userID), logging.Err(err))
			}
			return nil
		})
	}
}

// LogReporters writes progress to the log only.
func LogReporters(log logging.Logger) ReporterFactory {
	return func(userID int64) transfer.Reporter {
		return transfer.ReporterFunc(func(_ context.Context, text string) error {
			log.Info("progress", logging.Int64("user_id", userID), logging.String("text", text))
			return nil
		})
	}
}
