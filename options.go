package nvs

// options holds the configuration assembled by Option functions passed
// to Open.
type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	selfCheckOnMount bool
}

func defaultOptions() *options {
	return &options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}
}

// Option configures Storage construction.
//
// Today options primarily exist to let callers opt into observability
// and diagnostics without changing Open's signature.
type Option func(*options)

// WithLogger configures the Logger used for mount, GC, blob-swap and
// orphan-reclamation events. If nil is passed, a no-op logger is used.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures the MetricsCollector used to record
// write/read/erase/GC events. If nil is passed, NoopMetricsCollector is used.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metricsCollector = m
	}
}

// WithSelfCheckOnMount runs SelfCheck once immediately after a
// successful mount, returning its error from Open if it fails. Intended
// for tests and host tooling; adds an O(total entries) walk to every
// mount, so it is off by default.
func WithSelfCheckOnMount() Option {
	return func(o *options) {
		o.selfCheckOnMount = true
	}
}
