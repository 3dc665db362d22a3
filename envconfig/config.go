// Package envconfig reads DIFFUSION_* settings from the environment.
package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const defaultPort = "11500"

var ErrInvalidHostPort = errors.New("invalid port specified in DIFFUSION_HOST")

var (
	// Set via DIFFUSION_ORIGINS in the environment
	AllowOrigins []string
	// Set via DIFFUSION_DEBUG in the environment
	Debug bool
	// Set via DIFFUSION_DEBUG=2 in the environment
	Trace bool
	// Set via DIFFUSION_HOST in the environment
	Host string
	// Set via DIFFUSION_MODELS in the environment
	ModelsDir string
	// Set via DIFFUSION_NUM_THREADS in the environment
	NumThreads int
	// Set via DIFFUSION_SEED in the environment
	Seed uint64
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DIFFUSION_DEBUG":       {"DIFFUSION_DEBUG", Debug, "Show additional debug information (e.g. DIFFUSION_DEBUG=1, 2 for trace)"},
		"DIFFUSION_HOST":        {"DIFFUSION_HOST", Host, "IP Address for the diffusion server (default 127.0.0.1:11500)"},
		"DIFFUSION_MODELS":      {"DIFFUSION_MODELS", ModelsDir, "The path to the checkpoint directory"},
		"DIFFUSION_NUM_THREADS": {"DIFFUSION_NUM_THREADS", NumThreads, "Maximum number of samples evaluated in parallel (default all CPUs)"},
		"DIFFUSION_ORIGINS":     {"DIFFUSION_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"DIFFUSION_SEED":        {"DIFFUSION_SEED", Seed, "Default random seed, 0 seeds from the clock"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug, Trace = false, false
	if debug := clean("DIFFUSION_DEBUG"); debug != "" {
		if level, err := strconv.Atoi(debug); err == nil {
			Debug = level > 0
			Trace = level > 1
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	var err error
	if Host, err = hostPort(clean("DIFFUSION_HOST")); err != nil {
		slog.Error("invalid setting, using default", "DIFFUSION_HOST", clean("DIFFUSION_HOST"), "error", err)
		Host = net.JoinHostPort("127.0.0.1", defaultPort)
	}

	ModelsDir = clean("DIFFUSION_MODELS")
	if ModelsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		ModelsDir = filepath.Join(home, ".diffusion", "models")
	}

	NumThreads = runtime.NumCPU()
	if n := clean("DIFFUSION_NUM_THREADS"); n != "" {
		val, err := strconv.Atoi(n)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "DIFFUSION_NUM_THREADS", n, "error", err)
		} else {
			NumThreads = val
		}
	}

	Seed = 0
	if s := clean("DIFFUSION_SEED"); s != "" {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			slog.Error("invalid setting", "DIFFUSION_SEED", s, "error", err)
		} else {
			Seed = val
		}
	}

	AllowOrigins = nil
	if origins := clean("DIFFUSION_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

// hostPort fills in the default address and port of a DIFFUSION_HOST value.
func hostPort(s string) (string, error) {
	host, port := "127.0.0.1", defaultPort
	s = strings.TrimPrefix(strings.TrimPrefix(s, "http://"), "https://")

	if s != "" {
		h, p, err := net.SplitHostPort(s)
		if err != nil {
			// no port
			h = strings.Trim(s, "[]")
		} else if p != "" {
			port = p
		}
		if h != "" {
			host = h
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return "", ErrInvalidHostPort
	}
	return net.JoinHostPort(host, port), nil
}

// LogLevel is the slog level selected by DIFFUSION_DEBUG.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return slog.LevelDebug - 4
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
