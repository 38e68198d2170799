package lens

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8000
	DefaultMaxCodeBytes   = 64 << 10
	DefaultExecTimeout    = 10 * time.Second
	DefaultStorageMaxRuns = 1000
	DefaultStorageCacheMB = 64
	DefaultRunTTL         = 24 * time.Hour
)

// ErrCodeTooLarge is returned for scripts exceeding the configured byte limit.
var ErrCodeTooLarge = errors.New("code exceeds size limit")

// Config holds settings for a Service.
type Config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
	// MaxCodeBytes bounds the accepted script and request body size.
	MaxCodeBytes int64 `yaml:"max_code_bytes"`
	// ExecTimeout is the wall time limit of a single traced script.
	ExecTimeout       time.Duration `yaml:"exec_timeout"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	Trace             TraceConfig   `yaml:"trace"`
	// ComplexityCacheEntries sizes the analysis cache, negative disables caching.
	ComplexityCacheEntries int64 `yaml:"complexity_cache_entries"`
	// StorageDir selects a Badger backed run archive, the archive is kept in memory when empty.
	StorageDir     string        `yaml:"storage_dir"`
	StorageMaxRuns int           `yaml:"storage_max_runs"`
	StorageCacheMB int           `yaml:"storage_cache_mb"`
	RunTTL         time.Duration `yaml:"run_ttl"`
	LogLevel       string        `yaml:"log_level"`
	LogConsole     bool          `yaml:"log_console"`
	// CustomFlags holds values of command specific flags, all stored as strings for ease of use
	CustomFlags map[string]string `yaml:"-"`
	// Internal state tracking
	prepared bool
}

// DefaultConfig returns the configuration used when no flags or config file override it.
func DefaultConfig() Config {
	return Config{
		Host:                   DefaultHost,
		Port:                   DefaultPort,
		MaxCodeBytes:           DefaultMaxCodeBytes,
		ExecTimeout:            DefaultExecTimeout,
		MaxConcurrentRuns:      runtime.NumCPU(),
		Trace:                  DefaultTraceConfig(),
		ComplexityCacheEntries: DefaultComplexityCacheEntries,
		StorageMaxRuns:         DefaultStorageMaxRuns,
		StorageCacheMB:         DefaultStorageCacheMB,
		RunTTL:                 DefaultRunTTL,
		LogLevel:               zerolog.LevelInfoValue,
	}
}

// Prepare validates the configuration. It must be invoked once before the config is used by a Service.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	} else if c.MaxCodeBytes < 1 || c.MaxCodeBytes > 16<<20 {
		return fmt.Errorf("max code bytes must be between 1 and %d, got %d", 16<<20, c.MaxCodeBytes)
	} else if c.ExecTimeout <= 0 || c.ExecTimeout > 10*time.Minute {
		return fmt.Errorf("exec timeout must be between 0s and 10m, got %s", c.ExecTimeout)
	} else if c.MaxConcurrentRuns < 1 || c.MaxConcurrentRuns > 1024 {
		return fmt.Errorf("max concurrent runs must be between 1 and 1024, got %d", c.MaxConcurrentRuns)
	} else if c.Trace.StepCap < 1 || c.Trace.StepCap > 100_000 {
		return fmt.Errorf("step cap must be between 1 and 100000, got %d", c.Trace.StepCap)
	} else if c.Trace.PreviewLimit <= len(PreviewTruncatedMarker) || c.Trace.PreviewLimit > 1<<16 {
		return fmt.Errorf("preview limit must be between %d and %d, got %d",
			len(PreviewTruncatedMarker)+1, 1<<16, c.Trace.PreviewLimit)
	} else if c.Trace.OutputLimit < 1<<10 {
		return fmt.Errorf("output limit must be at least 1024 bytes, got %d", c.Trace.OutputLimit)
	} else if c.Trace.MaxCallDepth < 1 || c.Trace.MaxCallDepth > 100_000 {
		return fmt.Errorf("max call depth must be between 1 and 100000, got %d", c.Trace.MaxCallDepth)
	} else if c.StorageMaxRuns < 0 {
		return fmt.Errorf("storage max runs can not be negative, got %d", c.StorageMaxRuns)
	} else if c.StorageCacheMB < 1 || c.StorageCacheMB > 10240 { // 10GB limit
		return fmt.Errorf("storage cache size must be between 1 and 10240 MB, got %d", c.StorageCacheMB)
	} else if c.RunTTL < 0 {
		return fmt.Errorf("run ttl can not be negative, got %s", c.RunTTL)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level '%s': %w", c.LogLevel, err)
	}
	if c.StaticDir != "" {
		if info, err := os.Stat(c.StaticDir); err != nil {
			return fmt.Errorf("static directory is not accessible: %w", err)
		} else if !info.IsDir() {
			return fmt.Errorf("static path '%s' is not a directory", c.StaticDir)
		}
	}
	if c.StorageDir != "" {
		absDir, err := filepath.Abs(c.StorageDir)
		if err != nil {
			return fmt.Errorf("error resolving storage directory: %w", err)
		} else if err := os.MkdirAll(absDir, 0755); err != nil {
			return fmt.Errorf("cannot create storage directory '%s': %w", absDir, err)
		}
		c.StorageDir = absDir
	}

	c.prepared = true
	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConfigureLogging sets the global zerolog level and output format from the config.
func (c *Config) ConfigureLogging() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if c.LogConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
}

// ScriptTracer executes a script and records its step trace.
type ScriptTracer interface {
	// Run executes the script. Script failures are reported within the result, the error is only set when
	// the script could not be started.
	Run(ctx context.Context, code string) (*TraceResult, error)
}

// ComplexityAnalyzer provides the static complexity analysis of a script.
type ComplexityAnalyzer interface {
	// Analyze returns the analysis of the script source, it never fails.
	Analyze(code string) ComplexityInfo

	// Close releases resources held by the analyzer.
	Close()
}

// StorageProvider creates the storage backing the run archive.
type StorageProvider interface {
	// NewStorage creates a new storage instance.
	NewStorage() (Storage, error)
}

// DefaultComplexityAnalyzer analyzes every request without caching.
type DefaultComplexityAnalyzer struct{}

func (DefaultComplexityAnalyzer) Analyze(code string) ComplexityInfo {
	return AnalyzeComplexity(code)
}

func (DefaultComplexityAnalyzer) Close() {}

// DefaultStorageProvider provides a Badger backed Storage when a Path is set, or a bounded memory Storage
// otherwise.
type DefaultStorageProvider struct {
	Path       string
	CacheMB    int
	MaxEntries int
	TTL        time.Duration
}

func (d *DefaultStorageProvider) NewStorage() (Storage, error) {
	if d.Path == "" {
		return NewMemStorage(d.MaxEntries), nil
	}
	return NewBadgerStorage(d.Path, BadgerOptions{
		MaxMemMB: d.CacheMB,
		TTL:      d.TTL,
	})
}

// SingletonStorageProvider is a StorageProvider that returns a single consistent storage instance.
type SingletonStorageProvider struct {
	Store Storage
}

func (s *SingletonStorageProvider) NewStorage() (Storage, error) {
	return s.Store, nil
}

// RunRequest is the input of Service.Run.
type RunRequest struct {
	Code string `json:"code"`
	// AnalyzeComplexity defaults to true when unset.
	AnalyzeComplexity *bool `json:"analyze_complexity,omitempty"`
	// TrackPerformance defaults to true when unset.
	TrackPerformance *bool `json:"track_performance,omitempty"`
	// Save archives the response so it can be fetched by id.
	Save bool `json:"save,omitempty"`
}

func (r RunRequest) analyze() bool {
	return r.AnalyzeComplexity == nil || *r.AnalyzeComplexity
}

func (r RunRequest) track() bool {
	return r.TrackPerformance == nil || *r.TrackPerformance
}

// RunResponse is the trace of a script along with the requested analysis.
type RunResponse struct {
	TraceResult
	ExecutionTimeSeconds float64             `json:"execution_time_seconds"`
	ComplexityAnalysis   *ComplexityInfo     `json:"complexity_analysis,omitempty"`
	PerformanceMetrics   *PerformanceMetrics `json:"performance_metrics,omitempty"`
	Insights             *Insights           `json:"insights,omitempty"`
	SourceLines          []string            `json:"source_lines"`
	TraceFingerprint     string              `json:"fingerprint"`
	RunID                string              `json:"run_id,omitempty"`
}

type encRunResponse struct {
	Trace                *TraceResult        `msgpack:"t"`
	ExecutionTimeSeconds float64             `msgpack:"et"`
	ComplexityAnalysis   *ComplexityInfo     `msgpack:"ca,omitempty"`
	PerformanceMetrics   *PerformanceMetrics `msgpack:"pm,omitempty"`
	Insights             *Insights           `msgpack:"in,omitempty"`
	SourceLines          []string            `msgpack:"sl"`
	TraceFingerprint     string              `msgpack:"fp"`
	RunID                string              `msgpack:"id,omitempty"`
}

// MarshalMsgpack encodes the response, the embedded trace keeps its compact table encoding.
func (r *RunResponse) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(encRunResponse{
		Trace:                &r.TraceResult,
		ExecutionTimeSeconds: r.ExecutionTimeSeconds,
		ComplexityAnalysis:   r.ComplexityAnalysis,
		PerformanceMetrics:   r.PerformanceMetrics,
		Insights:             r.Insights,
		SourceLines:          r.SourceLines,
		TraceFingerprint:     r.TraceFingerprint,
		RunID:                r.RunID,
	})
}

func (r *RunResponse) UnmarshalMsgpack(data []byte) error {
	var enc encRunResponse
	if err := msgpack.Unmarshal(data, &enc); err != nil {
		return err
	}
	if enc.Trace != nil {
		r.TraceResult = *enc.Trace
	} else {
		r.TraceResult = TraceResult{Trace: []Snapshot{}, Returns: []ReturnEvent{}}
	}
	r.ExecutionTimeSeconds = enc.ExecutionTimeSeconds
	r.ComplexityAnalysis = enc.ComplexityAnalysis
	r.PerformanceMetrics = enc.PerformanceMetrics
	r.Insights = enc.Insights
	r.SourceLines = enc.SourceLines
	r.TraceFingerprint = enc.TraceFingerprint
	r.RunID = enc.RunID
	if r.SourceLines == nil {
		r.SourceLines = []string{}
	}
	return nil
}

// Service traces scripts, analyzes their complexity and archives results.
type Service struct {
	Config   *Config
	Tracer   ScriptTracer
	Analyzer ComplexityAnalyzer
	archive  *Archive
	limiter  RunLimiter
}

// NewService creates a Service with default providers.
func NewService(config *Config) (*Service, error) {
	return NewServiceWithProviders(config, nil, nil, nil)
}

// NewServiceWithProviders creates a Service using the supplied providers, nil providers use the defaults.
func NewServiceWithProviders(config *Config, tracer ScriptTracer,
	analyzer ComplexityAnalyzer, storageProvider StorageProvider) (*Service, error) {
	if !config.prepared {
		if err := config.Prepare(); err != nil {
			return nil, err
		}
	}

	if tracer == nil {
		tracer = NewTracer(config.Trace)
	}
	if analyzer == nil {
		if config.ComplexityCacheEntries < 0 {
			analyzer = DefaultComplexityAnalyzer{}
		} else if cache, err := NewComplexityCache(config.ComplexityCacheEntries); err != nil {
			return nil, err
		} else {
			analyzer = cache
		}
	}
	if storageProvider == nil {
		storageProvider = &DefaultStorageProvider{
			Path:       config.StorageDir,
			CacheMB:    config.StorageCacheMB,
			MaxEntries: config.StorageMaxRuns,
			TTL:        config.RunTTL,
		}
	}
	store, err := storageProvider.NewStorage()
	if err != nil {
		analyzer.Close()
		return nil, fmt.Errorf("error creating run storage: %w", err)
	}

	return &Service{
		Config:   config,
		Tracer:   tracer,
		Analyzer: analyzer,
		archive:  NewArchive(store),
		limiter:  NewRunLimiter(config.MaxConcurrentRuns),
	}, nil
}

// Run traces the script of the request and attaches the requested analysis. Script errors are part of the
// response, the returned error indicates the request itself could not be served.
func (s *Service) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	if int64(len(req.Code)) > s.Config.MaxCodeBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrCodeTooLarge, len(req.Code), s.Config.MaxCodeBytes)
	}

	var trace *TraceResult
	var info ComplexityInfo
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		trace, err = s.trace(gCtx, req.Code)
		return err
	})
	if req.analyze() {
		g.Go(func() error {
			info = s.Analyzer.Analyze(req.Code)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := &RunResponse{
		TraceResult:          *trace,
		ExecutionTimeSeconds: trace.Duration.Seconds(),
		SourceLines:          strings.Split(req.Code, "\n"),
		TraceFingerprint:     trace.Fingerprint(),
	}
	if req.track() {
		metrics := AggregatePerformance(trace)
		resp.PerformanceMetrics = &metrics
	}
	if req.analyze() {
		insights := DeriveInsights(req.Code, info, resp.PerformanceMetrics)
		resp.ComplexityAnalysis = &info
		resp.Insights = &insights
	}

	event := log.Debug().
		Int("steps", len(trace.Trace)).
		Int("observed", trace.StepsObserved).
		Bool("truncated", trace.Truncated).
		Dur("duration", trace.Duration)
	if trace.Failed() {
		event = event.Str("script_error", limitStringLines(trace.Error, 1, false))
	}
	event.Msg("script traced")

	if req.Save {
		id, err := s.archive.Save(req.Code, resp)
		if err != nil {
			return nil, err
		}
		resp.RunID = id
	}
	return resp, nil
}

// trace runs the script under the concurrency limit and execution timeout.
func (s *Service) trace(ctx context.Context, code string) (*TraceResult, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	ctx, cancel := context.WithTimeoutCause(ctx, s.Config.ExecTimeout,
		fmt.Errorf("TimeoutError: execution exceeded %s", s.Config.ExecTimeout))
	defer cancel()
	return s.Tracer.Run(ctx, code)
}

// Complexity returns the heuristic complexity estimate of the script.
func (s *Service) Complexity(code string) (ComplexityReport, error) {
	if int64(len(code)) > s.Config.MaxCodeBytes {
		return ComplexityReport{}, fmt.Errorf("%w: %d > %d bytes", ErrCodeTooLarge, len(code), s.Config.MaxCodeBytes)
	}
	return s.Analyzer.Analyze(code).Report(), nil
}

// LoadRun returns an archived run, or an error wrapping ErrRunNotFound.
func (s *Service) LoadRun(id string) (*RunRecord, error) {
	record, err := s.archive.Load(id)
	if err != nil {
		return nil, err
	}
	if record.Response != nil {
		record.Response.RunID = record.ID
	}
	return record, nil
}

// Close waits for active runs to finish and releases the archive and analyzer.
func (s *Service) Close() error {
	s.limiter.Join()
	s.Analyzer.Close()
	if err := s.archive.Close(); err != nil {
		return fmt.Errorf("error closing run archive: %w", err)
	}
	return nil
}
