package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Version information for all CLI tools
const (
	Version   = "0.3.0"
	BuildDate = "2026-09-30"
	CommitSHA = "unknown" // Will be set during build
)

// VersionInfo contains version and build information
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns structured version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		BuildDate: BuildDate,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion prints version information in a consistent format
func PrintVersion(toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]interface{}{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to marshal version info to JSON: %v\n", err)
		} else {
			fmt.Println(string(data))
			return
		}
	}

	fmt.Printf("%s v%s\n", toolName, info.Version)
	fmt.Printf("Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Printf("Commit: %s\n", info.CommitSHA)
	}
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s/%s\n", info.Platform, info.Arch)
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// ExitWithCode exits with the specified code and optional message
func ExitWithCode(code int, format string, args ...interface{}) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	os.Exit(code)
}

// Level orders log severities
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// ParseLevel maps a level name to a Level; unknown names map to info
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "OFF"
	}
}

// Logger provides leveled, tagged logging for the tools and the collector.
// Loggers derived with WithTags share the writer, its lock and the level.
type Logger struct {
	level *atomic.Int32
	tags  string
	out   *syncWriter
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogger creates a logger writing to stdout. verbose enables info,
// debug enables debug; warnings and errors are always written.
func NewLogger(verbose, debug bool) *Logger {
	level := LevelWarn
	if verbose {
		level = LevelInfo
	}
	if debug {
		level = LevelDebug
	}
	return NewLevelLogger(os.Stdout, level)
}

// NewLevelLogger creates a logger writing lines at or above level to w
func NewLevelLogger(w io.Writer, level Level) *Logger {
	l := &Logger{level: new(atomic.Int32), out: &syncWriter{w: w}}
	l.level.Store(int32(level))
	return l
}

// SetLevel changes the level of this logger and every logger sharing its
// writer
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

// Level returns the current level
func (l *Logger) Level() Level { return Level(l.level.Load()) }

// DiscardLogger returns a logger that writes nothing
func DiscardLogger() *Logger {
	return NewLevelLogger(io.Discard, LevelOff)
}

// WithTags returns a logger that prefixes every line with the given tags,
// e.g. WithTags("gc", "phases") prints "[gc,phases]".
func (l *Logger) WithTags(tags ...string) *Logger {
	c := *l
	c.tags = strings.Join(tags, ",")
	return &c
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level Level) bool {
	cur := l.Level()
	return level >= cur && cur != LevelOff
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteString("][")
	b.WriteString(level.String())
	b.WriteString("]")
	if l.tags != "" {
		b.WriteString("[")
		b.WriteString(l.tags)
		b.WriteString("]")
	}
	b.WriteString(" ")
	fmt.Fprintf(&b, format, args...)
	b.WriteString("\n")

	l.out.mu.Lock()
	_, _ = io.WriteString(l.out.w, b.String())
	l.out.mu.Unlock()
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// FormatBytes renders a byte count the way pause summaries print it (K/M/G)
func FormatBytes(n uint64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dG", n>>30)
	case n >= 1<<20:
		return fmt.Sprintf("%dM", n>>20)
	case n >= 1<<10:
		return fmt.Sprintf("%dK", n>>10)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
