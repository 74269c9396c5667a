package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/juno-intents/autowithdraw/internal/blobstore"
	"github.com/juno-intents/autowithdraw/internal/engine"
	"github.com/juno-intents/autowithdraw/internal/guard"
	"github.com/juno-intents/autowithdraw/internal/httpapi"
	leasespg "github.com/juno-intents/autowithdraw/internal/leases/postgres"
	"github.com/juno-intents/autowithdraw/internal/ledger"
	ledgerpg "github.com/juno-intents/autowithdraw/internal/ledger/postgres"
	"github.com/juno-intents/autowithdraw/internal/progress"
	"github.com/juno-intents/autowithdraw/internal/queue"
	"github.com/juno-intents/autowithdraw/internal/secrets"
	"github.com/juno-intents/autowithdraw/internal/settings"
	settingspg "github.com/juno-intents/autowithdraw/internal/settings/postgres"
	"github.com/juno-intents/autowithdraw/internal/trigger"
	"github.com/juno-intents/autowithdraw/internal/walletapi"
	"github.com/juno-intents/autowithdraw/internal/withdrawal"
	withdrawalpg "github.com/juno-intents/autowithdraw/internal/withdrawal/postgres"
)

const (
	logFormatText = "text"
	logFormatJSON = "json"
	logFormatDev  = "dev"

	storeDriverPostgres = "postgres"
	storeDriverMemory   = "memory"
	historyDriverBlob   = "blob"

	guardModeLocal = "local"
	guardModeLease = "lease"

	queueDriverNone = "none"
)

type config struct {
	envFile   string
	logFormat string
	logLevel  string

	listenAddr        string
	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration
	maxBodyBytes      int64

	secretsDriver     string
	postgresDSNSecret string
	httpAuthSecret    string
	walletTokenSecret string

	storeDriver   string
	historyDriver string
	blobDriver    string
	blobBucket    string
	blobPrefix    string
	historyKey    string

	guardMode  string
	leaseName  string
	leaseOwner string
	leaseTTL   time.Duration

	walletURL      string
	walletTimeout  time.Duration
	walletMaxResp  int64
	callTimeout    time.Duration
	evaluateEvery  time.Duration
	evaluateOnBoot bool

	queueDriver     string
	queueBrokers    string
	queueGroup      string
	queueTopics     string
	queueAckTimeout time.Duration
	maxLineBytes    int

	progressDriver string
	progressTopic  string
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("autowithdraw", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.envFile, "env-file", "", "optional dotenv file loaded before secrets are resolved")
	fs.StringVar(&cfg.logFormat, "log-format", logFormatText, "log format: text|json|dev")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug|info|warn|error")

	fs.StringVar(&cfg.listenAddr, "listen-addr", "127.0.0.1:8090", "operator HTTP API listen address")
	fs.DurationVar(&cfg.readHeaderTimeout, "read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
	fs.DurationVar(&cfg.readTimeout, "read-timeout", 10*time.Second, "http.Server ReadTimeout")
	fs.DurationVar(&cfg.writeTimeout, "write-timeout", 6*time.Minute, "http.Server WriteTimeout")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	fs.Int64Var(&cfg.maxBodyBytes, "max-body-bytes", 64<<10, "maximum HTTP request body size (bytes)")

	fs.StringVar(&cfg.secretsDriver, "secrets-driver", secrets.DriverEnv, "secrets driver: env|file|aws")
	fs.StringVar(&cfg.postgresDSNSecret, "postgres-dsn-secret", "AUTOWITHDRAW_POSTGRES_DSN", "secret key holding the Postgres DSN")
	fs.StringVar(&cfg.httpAuthSecret, "http-auth-token-secret", "AUTOWITHDRAW_HTTP_AUTH_TOKEN", "secret key holding the operator API bearer token (optional)")
	fs.StringVar(&cfg.walletTokenSecret, "wallet-api-token-secret", "AUTOWITHDRAW_WALLET_API_TOKEN", "secret key holding the wallet API bearer token (optional)")

	fs.StringVar(&cfg.storeDriver, "store-driver", storeDriverPostgres, "settings and ledger store: postgres|memory")
	fs.StringVar(&cfg.historyDriver, "history-driver", "", "history log: postgres|blob|memory (defaults to --store-driver)")
	fs.StringVar(&cfg.blobDriver, "blob-driver", blobstore.DriverS3, "blob driver for --history-driver=blob: s3|memory")
	fs.StringVar(&cfg.blobBucket, "blob-bucket", "", "S3 bucket for the history object")
	fs.StringVar(&cfg.blobPrefix, "blob-prefix", "", "S3 key prefix")
	fs.StringVar(&cfg.historyKey, "history-key", withdrawal.DefaultHistoryKey, "object key of the history document")

	fs.StringVar(&cfg.guardMode, "guard", guardModeLocal, "single-flight guard: local|lease")
	fs.StringVar(&cfg.leaseName, "lease-name", guard.DefaultLeaseName, "lease name for --guard=lease")
	fs.StringVar(&cfg.leaseOwner, "lease-owner", "", "unique owner id for --guard=lease (defaults to hostname)")
	fs.DurationVar(&cfg.leaseTTL, "lease-ttl", guard.DefaultLeaseTTL, "lease TTL; a held lease is renewed every third of it")

	fs.StringVar(&cfg.walletURL, "wallet-api-url", "", "wallet API base URL (required)")
	fs.DurationVar(&cfg.walletTimeout, "wallet-api-timeout", 90*time.Second, "wallet API HTTP timeout")
	fs.Int64Var(&cfg.walletMaxResp, "wallet-api-max-response-bytes", 1<<20, "max wallet API response size (bytes)")
	fs.DurationVar(&cfg.callTimeout, "call-timeout", engine.DefaultCallTimeout, "per-call timeout for quote, pay and state checks (negative disables)")
	fs.DurationVar(&cfg.evaluateEvery, "evaluate-interval", 0, "periodic unhinted evaluation interval (0 disables)")
	fs.BoolVar(&cfg.evaluateOnBoot, "evaluate-on-start", true, "reconcile pending records and evaluate once at startup")

	fs.StringVar(&cfg.queueDriver, "queue-driver", queueDriverNone, "payment event source: none|kafka|nats|stdio")
	fs.StringVar(&cfg.queueBrokers, "queue-brokers", "", "comma-separated kafka brokers or NATS URLs")
	fs.StringVar(&cfg.queueGroup, "queue-group", "autowithdraw", "consumer group / queue group")
	fs.StringVar(&cfg.queueTopics, "queue-topics", trigger.PaymentReceivedVersionV1, "comma-separated topics carrying payment events")
	fs.DurationVar(&cfg.queueAckTimeout, "queue-ack-timeout", 5*time.Second, "timeout for committing queue messages")
	fs.IntVar(&cfg.maxLineBytes, "max-line-bytes", 1<<20, "maximum stdio line size (bytes)")

	fs.StringVar(&cfg.progressDriver, "progress-driver", queueDriverNone, "progress event publisher: none|kafka|nats|stdio")
	fs.StringVar(&cfg.progressTopic, "progress-topic", progress.DefaultTopic, "topic for published progress events")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	return cfg, cfg.validate()
}

func (c *config) validate() error {
	c.logFormat = strings.ToLower(strings.TrimSpace(c.logFormat))
	c.storeDriver = strings.ToLower(strings.TrimSpace(c.storeDriver))
	c.historyDriver = strings.ToLower(strings.TrimSpace(c.historyDriver))
	c.guardMode = strings.ToLower(strings.TrimSpace(c.guardMode))
	c.queueDriver = normalizeQueueDriver(c.queueDriver)
	c.progressDriver = normalizeQueueDriver(c.progressDriver)
	if c.historyDriver == "" {
		c.historyDriver = c.storeDriver
	}

	switch c.logFormat {
	case logFormatText, logFormatJSON, logFormatDev:
	default:
		return fmt.Errorf("--log-format must be text, json or dev")
	}
	if _, err := parseLevel(c.logLevel); err != nil {
		return err
	}
	if strings.TrimSpace(c.walletURL) == "" {
		return fmt.Errorf("--wallet-api-url is required")
	}
	switch c.storeDriver {
	case storeDriverPostgres, storeDriverMemory:
	default:
		return fmt.Errorf("--store-driver must be postgres or memory")
	}
	switch c.historyDriver {
	case storeDriverPostgres, storeDriverMemory, historyDriverBlob:
	default:
		return fmt.Errorf("--history-driver must be postgres, blob or memory")
	}
	if c.historyDriver == storeDriverPostgres && c.storeDriver != storeDriverPostgres {
		return fmt.Errorf("--history-driver=postgres requires --store-driver=postgres")
	}
	switch c.guardMode {
	case guardModeLocal:
	case guardModeLease:
		if c.storeDriver != storeDriverPostgres {
			return fmt.Errorf("--guard=lease requires --store-driver=postgres")
		}
		if c.leaseTTL <= 0 {
			return fmt.Errorf("--lease-ttl must be > 0")
		}
	default:
		return fmt.Errorf("--guard must be local or lease")
	}
	if c.queueDriver != queueDriverNone && c.queueDriver != queue.DriverStdio && strings.TrimSpace(c.queueBrokers) == "" {
		return fmt.Errorf("--queue-brokers is required for --queue-driver=%s", c.queueDriver)
	}
	if c.progressDriver != queueDriverNone && c.progressDriver != queue.DriverStdio && strings.TrimSpace(c.queueBrokers) == "" {
		return fmt.Errorf("--queue-brokers is required for --progress-driver=%s", c.progressDriver)
	}
	if c.evaluateEvery < 0 || c.walletTimeout <= 0 || c.walletMaxResp <= 0 || c.maxBodyBytes <= 0 || c.maxLineBytes <= 0 {
		return fmt.Errorf("intervals, timeouts and size limits must be positive")
	}
	return nil
}

func normalizeQueueDriver(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return queueDriverNone
	}
	return v
}

func parseLevel(v string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo, fmt.Errorf("--log-level: %w", err)
	}
	return lvl, nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case logFormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts))
	case logFormatDev:
		return slog.New(devslog.NewHandler(w, &devslog.Options{
			HandlerOptions:    opts,
			MaxSlicePrintSize: 4,
			SortKeys:          true,
			NewLineAfterLog:   true,
		}))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if cfg.envFile != "" {
		if err := godotenv.Load(cfg.envFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: load --env-file: %v\n", err)
			os.Exit(2)
		}
	}

	lvl, _ := parseLevel(cfg.logLevel)
	log := newLogger(os.Stderr, cfg.logFormat, lvl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("autowithdraw exited", "err", err)
		if errors.Is(err, errInit) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// errInit marks failures that happen before the service is serving.
var errInit = errors.New("init")

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	sp, err := secrets.New(ctx, cfg.secretsDriver)
	if err != nil {
		return fmt.Errorf("%w: secrets provider: %v", errInit, err)
	}
	walletToken, err := secrets.Optional(ctx, sp, cfg.walletTokenSecret)
	if err != nil {
		return fmt.Errorf("%w: wallet api token: %v", errInit, err)
	}
	httpToken, err := secrets.Optional(ctx, sp, cfg.httpAuthSecret)
	if err != nil {
		return fmt.Errorf("%w: http auth token: %v", errInit, err)
	}

	var pool *pgxpool.Pool
	if cfg.storeDriver == storeDriverPostgres {
		dsn, err := sp.Get(ctx, cfg.postgresDSNSecret)
		if err != nil {
			return fmt.Errorf("%w: postgres dsn: %v", errInit, err)
		}
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("%w: pgx pool: %v", errInit, err)
		}
		defer pool.Close()
	}

	st, led, err := openStores(ctx, pool)
	if err != nil {
		return err
	}
	history, err := openHistory(ctx, cfg, pool, log)
	if err != nil {
		return err
	}
	g, err := openGuard(ctx, cfg, pool, log)
	if err != nil {
		return err
	}

	wallet, err := walletapi.New(cfg.walletURL, walletToken,
		walletapi.WithTimeout(cfg.walletTimeout),
		walletapi.WithMaxResponseBytes(cfg.walletMaxResp),
	)
	if err != nil {
		return fmt.Errorf("%w: wallet api client: %v", errInit, err)
	}

	hub := progress.NewHub(time.Now, log)
	defer hub.Close()
	hub.Attach(ctx, "log", progress.NewLogSink(log), progress.DefaultBuffer)

	if cfg.progressDriver != queueDriverNone {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  cfg.progressDriver,
			Brokers: queue.SplitCommaList(cfg.queueBrokers),
			Writer:  os.Stdout,
		})
		if err != nil {
			return fmt.Errorf("%w: progress producer: %v", errInit, err)
		}
		defer func() { _ = producer.Close() }()
		qs, err := progress.NewQueueSink(producer, cfg.progressTopic)
		if err != nil {
			return fmt.Errorf("%w: progress sink: %v", errInit, err)
		}
		hub.Attach(ctx, "queue", qs, progress.DefaultBuffer)
	}

	eng, err := engine.New(engine.Config{
		CallTimeout: cfg.callTimeout,
		Now:         time.Now,
	}, wallet, wallet, st, history, led, hub, log)
	if err != nil {
		return fmt.Errorf("%w: engine: %v", errInit, err)
	}
	eng.WithGuard(g)

	trig, err := trigger.New(eng, log)
	if err != nil {
		return fmt.Errorf("%w: trigger: %v", errInit, err)
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		AuthToken:    httpToken,
		MaxBodyBytes: cfg.maxBodyBytes,
	}, trig, eng, history, st, log)
	if err != nil {
		return fmt.Errorf("%w: http handler: %v", errInit, err)
	}

	var msgCh <-chan queue.Message
	var errCh <-chan error
	if cfg.queueDriver != queueDriverNone {
		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:       cfg.queueDriver,
			Brokers:      queue.SplitCommaList(cfg.queueBrokers),
			Group:        cfg.queueGroup,
			Topics:       queue.SplitCommaList(cfg.queueTopics),
			Reader:       os.Stdin,
			MaxLineBytes: cfg.maxLineBytes,
		})
		if err != nil {
			return fmt.Errorf("%w: queue consumer: %v", errInit, err)
		}
		defer func() { _ = consumer.Close() }()
		msgCh = consumer.Messages()
		errCh = consumer.Errors()
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.readHeaderTimeout,
		ReadTimeout:       cfg.readTimeout,
		WriteTimeout:      cfg.writeTimeout,
		IdleTimeout:       cfg.idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("autowithdraw started",
		"addr", cfg.listenAddr,
		"walletAPI", cfg.walletURL,
		"storeDriver", cfg.storeDriver,
		"historyDriver", cfg.historyDriver,
		"guard", cfg.guardMode,
		"queueDriver", cfg.queueDriver,
		"progressDriver", cfg.progressDriver,
		"evaluateInterval", cfg.evaluateEvery.String(),
	)

	if cfg.evaluateOnBoot {
		startup(ctx, eng, trig, log)
	}

	var tick <-chan time.Time
	if cfg.evaluateEvery > 0 {
		t := time.NewTicker(cfg.evaluateEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return nil
		case err := <-srvErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-tick:
			trig.Evaluate(ctx)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				msgCh = nil
				continue
			}
			handleMessage(ctx, trig, msg, cfg.queueAckTimeout, log)
		}
	}
}

// startup settles records left pending by a previous run, then sweeps once.
func startup(ctx context.Context, eng *engine.Engine, trig *trigger.Trigger, log *slog.Logger) {
	res, err := eng.Reconcile(ctx)
	if err != nil {
		log.Warn("startup reconcile", "err", err)
	} else if res.Checked > 0 {
		log.Info("startup reconcile", "checked", res.Checked, "completed", res.Completed, "failed", res.Failed, "pending", res.Pending)
	}
	trig.Evaluate(ctx)
}

type paymentHandler interface {
	HandlePaymentMessage(ctx context.Context, payload []byte) error
}

// handleMessage evaluates for one payment event. Malformed events are acked so they are not redelivered.
func handleMessage(ctx context.Context, h paymentHandler, msg queue.Message, ackTimeout time.Duration, log *slog.Logger) {
	line := bytes.TrimSpace(msg.Value)
	if len(line) > 0 {
		if err := h.HandlePaymentMessage(ctx, line); err != nil {
			log.Warn("payment event", "topic", msg.Topic, "err", err)
		}
	}
	ackMessage(msg, ackTimeout, log)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}

func openStores(ctx context.Context, pool *pgxpool.Pool) (settings.Store, engine.Ledger, error) {
	if pool == nil {
		return settings.NewMemoryStore(), ledger.NewMemoryStore(), nil
	}

	st, err := settingspg.New(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: settings store: %v", errInit, err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: settings schema: %v", errInit, err)
	}
	led, err := ledgerpg.New(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ledger store: %v", errInit, err)
	}
	if err := led.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: ledger schema: %v", errInit, err)
	}
	return st, led, nil
}

func openHistory(ctx context.Context, cfg config, pool *pgxpool.Pool, log *slog.Logger) (withdrawal.HistoryLog, error) {
	switch cfg.historyDriver {
	case storeDriverPostgres:
		s, err := withdrawalpg.New(pool)
		if err != nil {
			return nil, fmt.Errorf("%w: history store: %v", errInit, err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("%w: history schema: %v", errInit, err)
		}
		return s, nil
	case historyDriverBlob:
		bs, err := blobstore.Open(ctx, blobstore.Config{
			Driver: cfg.blobDriver,
			Bucket: strings.TrimSpace(cfg.blobBucket),
			Prefix: strings.TrimSpace(cfg.blobPrefix),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: blob store: %v", errInit, err)
		}
		bl, err := withdrawal.NewBlobLog(bs, cfg.historyKey, log)
		if err != nil {
			return nil, fmt.Errorf("%w: blob history: %v", errInit, err)
		}
		return bl, nil
	default:
		return withdrawal.NewMemoryStore(), nil
	}
}

func openGuard(ctx context.Context, cfg config, pool *pgxpool.Pool, log *slog.Logger) (guard.Guard, error) {
	if cfg.guardMode != guardModeLease {
		return guard.NewLocal(), nil
	}

	store, err := leasespg.New(pool)
	if err != nil {
		return nil, fmt.Errorf("%w: lease store: %v", errInit, err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("%w: lease schema: %v", errInit, err)
	}
	owner := strings.TrimSpace(cfg.leaseOwner)
	if owner == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("%w: lease owner: %v", errInit, err)
		}
		owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	g, err := guard.NewLease(guard.LeaseConfig{
		Name:  cfg.leaseName,
		Owner: owner,
		TTL:   cfg.leaseTTL,
	}, store, log)
	if err != nil {
		return nil, fmt.Errorf("%w: lease guard: %v", errInit, err)
	}
	return g, nil
}
