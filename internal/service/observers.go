package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-lis/internal/connection"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/metrics"
	"wisefido-lis/internal/repository"
)

// connectionLogger 会话状态变化写入 connection_logs
type connectionLogger struct {
	repo   repository.ConnectionLogRepository
	logger *zap.Logger
}

func (l *connectionLogger) OnStateChange(status connection.Status, from connection.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry := &domain.ConnectionLog{
		LogID:      uuid.NewString(),
		AnalyzerID: status.AnalyzerID,
		SessionID:  status.SessionID,
		FromState:  string(from),
		ToState:    string(status.State),
		Error:      status.LastError,
		CreatedAt:  status.Since,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := l.repo.AppendConnectionLog(ctx, entry); err != nil {
		l.logger.Warn("Failed to write connection log",
			zap.String("analyzer_id", status.AnalyzerID),
			zap.Error(err),
		)
	}
}

func metricsObserver(m *metrics.Metrics) connection.StateObserver {
	return connection.ObserverFunc(func(status connection.Status, _ connection.State) {
		m.SessionReady(status.AnalyzerID, status.State == connection.StateReady)
	})
}

// resumeOnReady 会话进入 Ready 后补发未确认的工作单
func (s *LISService) resumeOnReady(status connection.Status, from connection.State) {
	if status.State != connection.StateReady || from == connection.StateReady {
		return
	}
	ctx := s.runContext()
	go func() {
		if err := s.dispatcher.Resume(ctx, status.AnalyzerID); err != nil {
			s.logger.Warn("Failed to resume worklist",
				zap.String("analyzer_id", status.AnalyzerID),
				zap.Error(err),
			)
		}
	}()
}
