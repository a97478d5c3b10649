package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nvll/nvll-web/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string

	HTTPPort  int
	AdminPort int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// traffic ledger
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	LedgerResolvedTTL time.Duration
	LedgerMaxRetries  int

	// rate limiting
	RateQuota      int
	RateWindow     time.Duration
	EnableBurst    bool
	BurstPerSecond float64
	BurstSize      int

	AllowOrigins   string
	DownstreamWait time.Duration
	StaticDir      string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "127.0.0.1:6379", "redis address (host:port) for the traffic ledger")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password for the traffic ledger")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis logical database for the traffic ledger")
	fs.DurationVar(&c.LedgerResolvedTTL, "ledger-resolved-ttl", 24*time.Hour, "how long resolved ledger entries are retained")
	fs.IntVar(&c.LedgerMaxRetries, "ledger-max-retries", 5, "optimistic concurrency retries per ledger update (1..64)")
	fs.IntVar(&c.RateQuota, "rate-quota", 1000, "requests allowed per client per rate window")
	fs.DurationVar(&c.RateWindow, "rate-window", 60*time.Minute, "fixed rate limiting window")
	fs.BoolVar(&c.EnableBurst, "enable-burst", false, "Layer a per-second burst bucket on top of the fixed window")
	fs.Float64Var(&c.BurstPerSecond, "burst-per-second", 10, "sustained per-second rate when burst is enabled")
	fs.IntVar(&c.BurstSize, "burst-size", 20, "burst bucket size when burst is enabled")
	fs.StringVar(&c.AllowOrigins, "allow-origins", "", "Access-Control-Allow-Origin override (empty uses the built-in allow-list)")
	// must stay under the server WriteTimeout or the connection dies first
	fs.DurationVar(&c.DownstreamWait, "downstream-timeout", 8*time.Second, "upper bound on downstream handler time (0 disables)")
	fs.StringVar(&c.StaticDir, "static-dir", "", "directory to serve /static/ and /workers/ assets from (empty disables)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Traffic ledger
	if c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	} else if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
		errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be 0..15 (got %d)", c.RedisDB))
	}
	if c.LedgerResolvedTTL <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_RESOLVED_TTL must be positive (got %v)", c.LedgerResolvedTTL))
	}
	if c.LedgerMaxRetries < 1 || c.LedgerMaxRetries > 64 {
		errs = append(errs, fmt.Errorf("LEDGER_MAX_RETRIES must be 1..64 (got %d)", c.LedgerMaxRetries))
	}

	// Rate limiting
	if c.RateQuota < 1 {
		errs = append(errs, fmt.Errorf("RATE_QUOTA must be positive (got %d)", c.RateQuota))
	}
	if c.RateWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_WINDOW must be positive (got %v)", c.RateWindow))
	}
	if c.EnableBurst {
		if c.BurstPerSecond <= 0 {
			errs = append(errs, fmt.Errorf("BURST_PER_SECOND must be positive when ENABLE_BURST=true (got %v)", c.BurstPerSecond))
		}
		if c.BurstSize < 1 {
			errs = append(errs, fmt.Errorf("BURST_SIZE must be positive when ENABLE_BURST=true (got %d)", c.BurstSize))
		}
	}
	if c.DownstreamWait < 0 {
		errs = append(errs, fmt.Errorf("DOWNSTREAM_TIMEOUT must not be negative (got %v)", c.DownstreamWait))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
