package sys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	// Level colors
	debugColor = color.New(color.FgHiBlack)
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	// Component colors
	databaseColor = color.New(color.FgHiBlack)
	playerColor   = color.New(color.FgMagenta)
	sourceColor   = color.New(color.FgCyan)
	commandColor  = color.New(color.FgBlue)

	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	logFile *os.File
	logMu   sync.Mutex
)

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error

	if LogToFile {
		logName := GetProjectName() + ".log"
		if exePath, exeErr := os.Executable(); exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(logFile))
		}
	}

	color.NoColor = false

	Logger = slog.New(NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	}))
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Public Logging API ---

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

// LogFatal logs at the fatal level and panics so deferred cleanup in main still runs.
func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// Component Loggers

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogPlayer(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "player"))
}

func LogPlayerWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...), slog.String("component", "player"))
}

func LogSource(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "source"))
}

func LogSourceWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...), slog.String("component", "source"))
}

func LogCommand(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "command"))
}

// --- Log Handler Implementation ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

// BotLogHandler prints "15:04:05 [LEVEL] [COMPONENT] message" lines.
type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	var levelStr string
	var levelColor *color.Color
	switch {
	case r.Level >= slog.LevelError+4:
		levelStr, levelColor = "FATAL", fatalColor
	case r.Level >= slog.LevelError:
		levelStr, levelColor = "ERROR", errorColor
	case r.Level >= slog.LevelWarn:
		levelStr, levelColor = "WARN", warnColor
	case r.Level >= slog.LevelInfo:
		levelStr, levelColor = "INFO", infoColor
	default:
		levelStr, levelColor = "DEBUG", debugColor
	}

	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	fmt.Fprintf(h.w, "%s", time.Now().Format(DefaultTimeFormat))

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(getComponentColor(component), fmt.Sprintf("[%s] %s", component, r.Message)))
	} else {
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, fmt.Sprintf("[%s] %s", levelStr, r.Message)))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(_ string) slog.Handler      { return h }

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "PLAYER":
		return playerColor
	case "SOURCE":
		return sourceColor
	case "COMMAND":
		return commandColor
	default:
		return color.New(color.FgCyan)
	}
}

// colorizeWithResets re-applies the outer color after every reset code in text.
func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	return c.Sprint(strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq))
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	_, err = s.w.Write(s.re.ReplaceAll(p, nil))
	return len(p), err
}

// --- Message Constants ---

// @src
const (
	MsgConfigFailedToLoad = "Failed to load config: %v"
	MsgConfigMissingToken = "DISCORD_TOKEN is not set in .env file"

	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"

	MsgLoaderSyncCommands      = "Syncing commands (%s mode)..."
	MsgLoaderUpToDate          = "Commands are up to date. (Hash: %s)"
	MsgLoaderGuildRegister     = "Registering %d commands to guild: %s"
	MsgLoaderRegisteringGlobal = "Registering %d commands globally..."
	MsgLoaderRegisterFail      = "Failed to register commands: %w"
	MsgLoaderClearFail         = "Failed to clear global commands: %v"
	MsgLoaderCleanup           = "Clearing stale commands from guild %s"
	MsgLoaderPanicRecovered    = "Recovered from panic: %v"

	MsgBotStarting     = "Starting %s..."
	MsgBotReady        = "%s is ready! (ID: %s) (PID: %d) (%dms)"
	MsgBotShutdown     = "Shutting down %s..."
	MsgBotRegisterFail = "Command registration failed: %v"
	MsgGenericError    = "%v"

	MsgDaemonStarting = "Starting..."
)

// @player
const (
	MsgPlayerCreated          = "Created player for guild %s (%d/%d)"
	MsgPlayerRegistryReady    = "Player registry ready: %d active, limit %d"
	MsgPlayerDestroyed        = "Destroyed player for guild %s"
	MsgPlayerReleaseFail      = "Failed to release player for guild %s: %v"
	MsgPlayerCapacityBlocked  = "Refused player for guild %s: %d/%d players in use"
	MsgPlayerSweepStart       = "Cleaning up players (forceful: %t)"
	MsgPlayerSweepEntry       = "Cleaning player %s"
	MsgPlayerSweepOrphan      = "Dropping dangling player for missing guild %s"
	MsgPlayerSweepEntryFault  = "Exception occurred while trying to clean up guild %s: %v"
	MsgPlayerSweepDone        = "Finished cleaning up players (visited %d, removed %d, orphaned %d, failed %d)"
	MsgPlayerSweeperStarted   = "Sweeper scheduled (first run in %v, then every %v)"
	MsgPlayerSweeperStopped   = "Sweeper stopped"
	MsgPlayerShutdown         = "Shutting down %d players..."
	MsgPlayerTrackStart       = "Playing in guild %s: %s"
	MsgPlayerTrackFail        = "Playback failed in guild %s for %s: %v"
	MsgPlayerExternalLeave    = "Bot disconnected by external event in guild %s"
	MsgPlayerPrivilegeLookup  = "Premium lookup failed for guild %s: %v"
	MsgPlayerVoiceConnectFail = "Failed to connect to voice in guild %s: %v"

	ErrPlayerCapacity     = "The bot is playing in too many servers right now. Try again later, or upgrade this server to premium to skip the limit."
	ErrPlayerNotInVoice   = "You need to be in a voice channel first."
	ErrPlayerNoSession    = "Nothing is playing in this server."
	ErrPlayerNoMatches    = "No matches found for that query."
	ErrPlayerResolveFail  = "Something went wrong while loading that track."
	ErrPlayerConnectFail  = "Could not join your voice channel."
	MsgPlayerStopped      = "Stopped and disconnected."
	MsgPlayerQueueEmpty   = "The queue is empty."
	MsgPlayerSkipped      = "Skipped."
	MsgPlayerNothingToSkip = "There is nothing to skip."
)

// @source
const (
	MsgSourceChainReady          = "Resolver chain ready: %s"
	MsgSourceEgressEnabled       = "Egress rotation over %s enabled for %s"
	MsgSourceEgressExclude       = "Egress rotation skips %s"
	MsgSourceEgressExcludeFault  = "Failed to resolve excluded egress address %q, rotating over the full block: %v"
	MsgSourceResolveFail         = "Resolver %s failed for %q: %v"
	MsgSourceCacheHit            = "Cache hit for %q"
	MsgSourceSpotifyCredentials  = "Spotify credentials missing, falling back to oEmbed lookups"
	MsgSourceSearchFallback      = "Falling back to yt-dlp search for %q: %v"
)

// @premium
const (
	MsgPremiumAdded   = "Guild %s is now premium."
	MsgPremiumRemoved = "Guild %s is no longer premium."
	MsgPremiumStatus  = "Guild %s premium: %t"
	ErrPremiumOwner   = "Only bot owners can manage premium guilds."
	ErrPremiumFailed  = "Failed to update premium status."
)
