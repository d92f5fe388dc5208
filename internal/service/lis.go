package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wisefido-lis/common/database"
	"wisefido-lis/common/mqtt"
	rediscommon "wisefido-lis/common/redis"
	"wisefido-lis/internal/approval"
	"wisefido-lis/internal/catalog"
	"wisefido-lis/internal/config"
	"wisefido-lis/internal/connection"
	"wisefido-lis/internal/consumer"
	"wisefido-lis/internal/dispatcher"
	"wisefido-lis/internal/domain"
	"wisefido-lis/internal/evaluator"
	"wisefido-lis/internal/lock"
	"wisefido-lis/internal/metrics"
	"wisefido-lis/internal/notify"
	"wisefido-lis/internal/qc"
	"wisefido-lis/internal/repository"
)

// manualSessionID 人工补录帧的会话标识
const manualSessionID = "manual"

// MQTTClient 告警投递与确认回传（common/mqtt.Client 满足）
type MQTTClient interface {
	notify.Publisher
	notify.Subscriber
	Disconnect()
}

// Deps 外部依赖；Redis、MQTT 为空时对应功能关闭
type Deps struct {
	Stores Stores
	Redis  *redis.Client
	MQTT   MQTTClient
	Dialer connection.Dialer
}

// LISService 检验仪器接入与质控引擎
type LISService struct {
	config *config.Config
	logger *zap.Logger

	db    *sql.DB
	redis *redis.Client
	mqtt  MQTTClient

	stores     Stores
	metrics    *metrics.Metrics
	notifier   *notify.Multi
	catalog    *catalog.Store
	evaluator  *evaluator.Evaluator
	qc         *qc.Engine
	machine    *approval.Machine
	matcher    *consumer.Matcher
	consumer   *consumer.FrameConsumer
	registry   *connection.Registry
	dispatcher *dispatcher.Dispatcher
	intake     *dispatcher.OrderIntake
	ingestLock *lock.KeyedMutex
	httpServer *http.Server

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewLISService 按配置连接数据库、Redis、MQTT 并创建服务
func NewLISService(cfg *config.Config, logger *zap.Logger) (*LISService, error) {
	ctx := context.Background()
	deps := Deps{
		Dialer: &connection.TransportDialer{
			DialTimeout: cfg.Connection.DialTimeout,
			KeepAlive:   cfg.Connection.KeepAlive,
		},
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Store {
	case "memory":
		deps.Stores = MemoryStores(repository.NewMemoryStore())
	default:
		db, err = database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		deps.Stores = PostgresStores(db)
	}

	redisClient, err := rediscommon.Connect(ctx, &cfg.Redis)
	if err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	deps.Redis = redisClient

	if cfg.Notify.MQTTEnabled {
		var client *mqtt.Client
		client, err = mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			rediscommon.Close(deps.Redis)
			database.Close(db)
			return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		deps.MQTT = client
	}

	s, err := New(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

// New 用给定依赖组装服务
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*LISService, error) {
	st := deps.Stores
	m := metrics.New()

	multi := notify.NewMulti(logger)
	if deps.Redis != nil {
		multi.Add(notify.NewStreamNotifier(deps.Redis, cfg.Notify.EventsStream, cfg.Notify.StreamMaxLen))
	}
	if deps.MQTT != nil {
		multi.Add(notify.Filter(
			notify.NewMQTTNotifier(deps.MQTT, cfg.Notify.MQTTTopicPrefix, cfg.MQTT.QoS),
			notify.EventCriticalAlert, notify.EventCriticalEscalated, notify.EventQCRejected, notify.EventDispatchFailed,
		))
	}
	if cfg.Notify.WebhookURL != "" {
		multi.Add(notify.Filter(
			notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout),
			notify.EventResultAvailable,
		))
	}

	cat := catalog.NewStore(st.Catalog, logger)
	cat.OnReload(func(*catalog.Snapshot) { m.CatalogReloaded() })

	eval := evaluator.NewEvaluator(cat, st.Results, st.Alerts, multi, m, evaluator.Options{
		DefaultAckTimeout: cfg.Evaluator.DefaultAckTimeout,
	}, logger)

	qcEngine, err := qc.NewEngine(st.QC, multi, m, qc.Options{
		Rules:          cfg.QC.Rules,
		Warn12s:        cfg.QC.Warn12s,
		MinSamples:     cfg.QC.MinSamples,
		Window:         cfg.QC.Window,
		RequireDailyQC: cfg.QC.RequireDailyQC,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create qc engine: %w", err)
	}

	machine := approval.NewMachine(st.OrderItems, st.Results, eval, qcEngine, multi, lock.NewKeyedMutex(), logger)
	matcher := consumer.NewMatcher(cat, st.OrderItems, st.Results, st.Unmapped, machine, eval, qcEngine, m, logger)
	fc := consumer.NewFrameConsumer(st.Frames, st.Analyzers, matcher, m, consumer.Options{
		Workers:     cfg.Ingest.Workers,
		LaneBuffer:  cfg.Ingest.LaneBuffer,
		ReplayBatch: cfg.Ingest.ReplayBatch,
	}, logger)

	s := &LISService{
		config:     cfg,
		logger:     logger,
		redis:      deps.Redis,
		mqtt:       deps.MQTT,
		stores:     st,
		metrics:    m,
		notifier:   multi,
		catalog:    cat,
		evaluator:  eval,
		qc:         qcEngine,
		machine:    machine,
		matcher:    matcher,
		consumer:   fc,
		ingestLock: lock.NewKeyedMutex(),
		ctx:        context.Background(),
	}

	observers := connection.Observers{
		metricsObserver(m),
		&connectionLogger{repo: st.ConnLogs, logger: logger},
		connection.ObserverFunc(s.resumeOnReady),
	}
	if deps.Redis != nil {
		observers = append(observers, connection.NewStateCache(
			connection.NewRedisKVStore(deps.Redis), cfg.Connection.StateKeyPrefix, cfg.Connection.StateTTL, logger))
	}
	s.registry = connection.NewRegistry(sessionOptions(cfg), deps.Dialer, st.Frames, fc, observers, logger)

	s.dispatcher = dispatcher.NewDispatcher(st.Worklist, st.Analyzers, cat, s.registry, multi, m, dispatcher.Options{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		AckTimeout:  cfg.Dispatch.AckTimeout,
		BatchSize:   cfg.Dispatch.BatchSize,
		RetryDelay:  cfg.Dispatch.RetryDelay,
	}, logger)
	s.registry.OnStop(func(analyzerID string) {
		if _, err := s.dispatcher.FailPending(context.Background(), analyzerID, dispatcher.ReasonAnalyzerStopped); err != nil {
			logger.Error("Failed to fail open worklist", zap.String("analyzer_id", analyzerID), zap.Error(err))
		}
	})

	if deps.Redis != nil {
		s.intake = dispatcher.NewOrderIntake(deps.Redis, st.OrderItems, s.dispatcher, dispatcher.IntakeOptions{
			Stream:   cfg.Dispatch.IntakeStream,
			Group:    cfg.Dispatch.IntakeGroup,
			Consumer: cfg.Dispatch.IntakeConsumer,
		}, logger)
	}
	return s, nil
}

func sessionOptions(cfg *config.Config) connection.Options {
	c := cfg.Connection
	opts := connection.DefaultOptions()
	if c.HandshakeTimeout > 0 {
		opts.HandshakeTimeout = c.HandshakeTimeout
	}
	if c.HeartbeatInterval > 0 {
		opts.HeartbeatInterval = c.HeartbeatInterval
	}
	if c.HeartbeatTimeout > 0 {
		opts.HeartbeatTimeout = c.HeartbeatTimeout
	}
	if c.FrameAckTimeout > 0 {
		opts.FrameAckTimeout = c.FrameAckTimeout
	}
	if c.MaxFrameRetries > 0 {
		opts.MaxFrameRetries = c.MaxFrameRetries
	}
	if c.BackoffInitial > 0 {
		opts.BackoffInitial = c.BackoffInitial
	}
	if c.BackoffMax > 0 {
		opts.BackoffMax = c.BackoffMax
	}
	if c.OutboundQueue > 0 {
		opts.OutboundQueue = c.OutboundQueue
	}
	if c.FlushIdle > 0 {
		opts.FlushIdle = c.FlushIdle
	}
	return opts
}

// Start 启动服务：加载项目配置、恢复告警定时器、重放帧日志，最后建立仪器会话
func (s *LISService) Start(ctx context.Context) error {
	s.logger.Info("Starting LIS service components")

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()

	if err := s.catalog.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	if s.config.Catalog.ReloadInterval > 0 {
		go s.catalog.Watch(ctx, s.config.Catalog.ReloadInterval)
	}

	if err := s.evaluator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start evaluator: %w", err)
	}

	analyzers, err := s.stores.Analyzers.ListActiveAnalyzers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list analyzers: %w", err)
	}
	// 先建立队列并重放日志，再启动会话
	if err := s.consumer.Start(ctx, analyzers); err != nil {
		return fmt.Errorf("failed to start frame consumer: %w", err)
	}
	s.registry.Start(ctx, analyzers)

	if s.mqtt != nil {
		err := notify.SubscribeAcks(ctx, s.mqtt, s.config.Notify.MQTTTopicPrefix, s.config.MQTT.QoS,
			func(ctx context.Context, alertID, user string) error {
				_, err := s.evaluator.Acknowledge(ctx, alertID, user)
				return err
			}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to subscribe alert acks: %w", err)
		}
	}

	if s.intake != nil {
		if err := s.intake.Start(ctx); err != nil {
			return fmt.Errorf("failed to start order intake: %w", err)
		}
	}

	if s.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.httpServer = &http.Server{Addr: s.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("LIS service started",
		zap.Int("analyzers", len(analyzers)),
		zap.String("metrics_addr", s.config.MetricsAddr),
	)
	return nil
}

// Stop 停止服务
func (s *LISService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping LIS service")

	if s.intake != nil {
		s.intake.Stop()
	}
	s.registry.Stop()
	s.consumer.Stop()
	s.evaluator.Stop()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Error shutting down metrics server", zap.Error(err))
		}
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if err := rediscommon.Close(s.redis); err != nil {
		s.logger.Error("Error closing Redis client", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Error closing database connection", zap.Error(err))
	}

	s.logger.Info("LIS service stopped")
	return nil
}

func (s *LISService) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Metrics 指标集合
func (s *LISService) Metrics() *metrics.Metrics { return s.metrics }

// ---- 连接 ----

// Connect 手动启动仪器会话
func (s *LISService) Connect(ctx context.Context, analyzerID string) error {
	a, err := s.stores.Analyzers.GetAnalyzer(ctx, analyzerID)
	if err != nil {
		return err
	}
	return s.registry.Connect(*a)
}

// Disconnect 手动停止仪器会话，未确认的工作单置为失败
func (s *LISService) Disconnect(analyzerID string) error {
	return s.registry.Disconnect(analyzerID)
}

// Status 单台仪器会话状态
func (s *LISService) Status(analyzerID string) connection.Status {
	return s.registry.Status(analyzerID)
}

// Statuses 全部会话状态
func (s *LISService) Statuses() []connection.Status {
	return s.registry.Statuses()
}

// ConnectionLogs 会话状态变化记录
func (s *LISService) ConnectionLogs(ctx context.Context, analyzerID string, limit int) ([]domain.ConnectionLog, error) {
	return s.stores.ConnLogs.ListConnectionLogs(ctx, analyzerID, limit)
}

// ---- 工作单 ----

// Dispatch 下发工作单
func (s *LISService) Dispatch(ctx context.Context, items []domain.OrderItem, analyzerID string) ([]domain.WorklistEntry, error) {
	return s.dispatcher.Dispatch(ctx, items, analyzerID)
}

// RetryDispatch 重新下发失败条目
func (s *LISService) RetryDispatch(ctx context.Context, entryID, user string) (*domain.WorklistEntry, error) {
	return s.dispatcher.Retry(ctx, entryID, user)
}

// ListFailedDispatches 失败的工作单条目
func (s *LISService) ListFailedDispatches(ctx context.Context, analyzerID string) ([]domain.WorklistEntry, error) {
	return s.dispatcher.ListFailed(ctx, analyzerID)
}

// ---- 结果接收 ----

// IngestFrame 人工补录一段仪器原始数据（仪器无在线会话时）
//
// 数据按下一序号写入帧日志后同步解码、匹配。
func (s *LISService) IngestFrame(ctx context.Context, analyzerID string, data []byte) (*consumer.Report, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", domain.ErrInvalidArgument)
	}
	if _, err := s.stores.Analyzers.GetAnalyzer(ctx, analyzerID); err != nil {
		return nil, err
	}
	if _, err := s.registry.Session(analyzerID); err == nil {
		return nil, fmt.Errorf("%w: analyzer %s has a live session", domain.ErrInvalidArgument, analyzerID)
	}

	unlock := s.ingestLock.Lock(analyzerID)
	defer unlock()

	last, err := repository.HighestSequence(ctx, s.stores.Frames, analyzerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sequence: %w", err)
	}
	frame := domain.RawFrame{
		AnalyzerID: analyzerID,
		SessionID:  manualSessionID,
		Sequence:   last + 1,
		ReceivedAt: time.Now(),
		Data:       data,
	}
	if err := s.stores.Frames.AppendFrame(ctx, frame); err != nil {
		return nil, fmt.Errorf("failed to journal frame: %w", err)
	}
	s.metrics.FrameReceived(analyzerID)
	return s.consumer.Process(ctx, frame)
}

// ResolveUnmapped 人工将未匹配结果关联到医嘱项目
func (s *LISService) ResolveUnmapped(ctx context.Context, unmappedID, orderItemID, user string) (*domain.ResolvedResult, error) {
	return s.matcher.ResolveUnmapped(ctx, unmappedID, orderItemID, user)
}

// DiscardUnmapped 丢弃未匹配结果
func (s *LISService) DiscardUnmapped(ctx context.Context, unmappedID, user, reason string) error {
	return s.matcher.DiscardUnmapped(ctx, unmappedID, user, reason)
}

// ListUnmapped 未匹配结果列表
func (s *LISService) ListUnmapped(ctx context.Context, filter repository.UnmappedFilter) ([]domain.UnmappedResult, error) {
	return s.matcher.ListUnmapped(ctx, filter)
}

// ---- 危急值 ----

// AcknowledgeAlert 确认危急值告警
func (s *LISService) AcknowledgeAlert(ctx context.Context, alertID, user string) (*domain.CriticalValueAlert, error) {
	return s.evaluator.Acknowledge(ctx, alertID, user)
}

// AcknowledgeDelta 确认差值提示
func (s *LISService) AcknowledgeDelta(ctx context.Context, deltaID, user string) error {
	return s.evaluator.AcknowledgeDelta(ctx, deltaID, user)
}

// ListOpenAlerts 未确认的告警
func (s *LISService) ListOpenAlerts(ctx context.Context) ([]domain.CriticalValueAlert, error) {
	return s.evaluator.ListOpenAlerts(ctx)
}

// ---- 质控 ----

// RunQC 录入一次质控测定
func (s *LISService) RunQC(ctx context.Context, analyzerID, testID, level, lot string, value float64) (*domain.QCRun, error) {
	return s.qc.RunQC(ctx, analyzerID, testID, level, lot, value)
}

// OverrideQC 覆盖质控判定
func (s *LISService) OverrideQC(ctx context.Context, runID, user, reason string) (*domain.QCRun, error) {
	return s.qc.Override(ctx, runID, user, reason)
}

// QCStatus 某天的质控状态
func (s *LISService) QCStatus(ctx context.Context, analyzerID, testID string, day time.Time) (*qc.Status, error) {
	return s.qc.QCStatus(ctx, analyzerID, testID, day)
}

// LeveyJennings 质控图数据
func (s *LISService) LeveyJennings(ctx context.Context, key domain.QCKey) (*qc.Chart, error) {
	return s.qc.LeveyJennings(ctx, key)
}

// ExportLeveyJennings 质控图导出为 xlsx
func (s *LISService) ExportLeveyJennings(ctx context.Context, key domain.QCKey) ([]byte, error) {
	chart, err := s.qc.LeveyJennings(ctx, key)
	if err != nil {
		return nil, err
	}
	return qc.ExportLeveyJennings(chart)
}

// ---- 审核 ----

// GetOrderItem 医嘱项目当前状态
func (s *LISService) GetOrderItem(ctx context.Context, itemID string) (*domain.OrderItem, error) {
	return s.machine.Get(ctx, itemID)
}

// History 医嘱项目审计记录
func (s *LISService) History(ctx context.Context, itemID string) ([]domain.StateTransition, error) {
	return s.machine.History(ctx, itemID)
}

// ReceiveSample 样本签收
func (s *LISService) ReceiveSample(ctx context.Context, itemID, user string) (*domain.OrderItem, error) {
	return s.machine.ReceiveSample(ctx, itemID, user)
}

// ApprovePreliminary 初审
func (s *LISService) ApprovePreliminary(ctx context.Context, itemID, user string) (*domain.OrderItem, error) {
	return s.machine.ApprovePreliminary(ctx, itemID, user)
}

// ApproveFinal 终审
func (s *LISService) ApproveFinal(ctx context.Context, itemID, user string) (*domain.OrderItem, error) {
	return s.machine.ApproveFinal(ctx, itemID, user)
}

// Reject 审核退回，进入复查
func (s *LISService) Reject(ctx context.Context, itemID, user, reason string) (*domain.OrderItem, error) {
	return s.machine.Reject(ctx, itemID, user, reason)
}

// Rerun 复查
func (s *LISService) Rerun(ctx context.Context, itemID, user, reason string) (*domain.OrderItem, error) {
	return s.machine.Rerun(ctx, itemID, user, reason)
}

// Cancel 取消
func (s *LISService) Cancel(ctx context.Context, itemID, user, reason string) (*domain.OrderItem, error) {
	return s.machine.Cancel(ctx, itemID, user, reason)
}
