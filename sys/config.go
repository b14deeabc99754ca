package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
)

const (
	DefaultMusicLimit      = 500
	DefaultSourceCacheTTL  = time.Hour
	DefaultSourceCacheSize = 2048
)

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	OwnerIDs     []string
	Silent       bool

	// Player registry
	MusicLimit int

	// Resolver chain
	IPv6Block           string
	IPv6Exclude         string
	SpotifyClientID     string
	SpotifyClientSecret string
	SourceCacheTTL      time.Duration
	SourceCacheSize     int
}

var GlobalConfig *Config

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	return ConfigFromEnv(os.Getenv)
}

// ConfigFromEnv builds a Config from a lookup function.
func ConfigFromEnv(getenv func(string) string) (*Config, error) {
	dbPath := getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(getenv("SILENT"))

	var ownerIDs []string
	if raw := getenv("OWNER_IDS"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ownerIDs = append(ownerIDs, id)
			}
		}
	}

	limit, err := intFromEnv(getenv, "MUSIC_LIMIT", DefaultMusicLimit)
	if err != nil {
		return nil, err
	}
	cacheSize, err := intFromEnv(getenv, "SOURCE_CACHE_SIZE", DefaultSourceCacheSize)
	if err != nil {
		return nil, err
	}
	cacheTTL := DefaultSourceCacheTTL
	if raw := getenv("SOURCE_CACHE_TTL"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SOURCE_CACHE_TTL %q: %w", raw, err)
		}
		cacheTTL = time.Duration(secs) * time.Second
	}

	cfg := &Config{
		Token:               getenv("DISCORD_TOKEN"),
		GuildID:             getenv("GUILD_ID"),
		DatabasePath:        fmt.Sprintf("%s?_journal_mode=WAL&_timeout=5000", dbPath),
		OwnerIDs:            ownerIDs,
		Silent:              silent,
		MusicLimit:          limit,
		IPv6Block:           strings.TrimSpace(getenv("IPV6_BLOCK")),
		IPv6Exclude:         strings.TrimSpace(getenv("IPV6_EXCLUDE")),
		SpotifyClientID:     getenv("SPOTIFY_CLIENT_ID"),
		SpotifyClientSecret: getenv("SPOTIFY_CLIENT_SECRET"),
		SourceCacheTTL:      cacheTTL,
		SourceCacheSize:     cacheSize,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New(MsgConfigMissingToken)
	}
	if c.GuildID != "" {
		if _, err := snowflake.Parse(c.GuildID); err != nil {
			return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
		}
	}
	if c.MusicLimit < 0 {
		return fmt.Errorf("invalid MUSIC_LIMIT: %d", c.MusicLimit)
	}
	if c.SourceCacheSize < 0 || c.SourceCacheTTL < 0 {
		return errors.New("invalid source cache settings: values must not be negative")
	}
	if (c.SpotifyClientID == "") != (c.SpotifyClientSecret == "") {
		return errors.New("SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET must be set together")
	}
	if c.IPv6Exclude != "" && c.IPv6Block == "" {
		return errors.New("IPV6_EXCLUDE requires IPV6_BLOCK")
	}
	return nil
}

// IsOwner reports whether the user ID is listed in OWNER_IDS.
func (c *Config) IsOwner(userID snowflake.ID) bool {
	for _, id := range c.OwnerIDs {
		if id == userID.String() {
			return true
		}
	}
	return false
}

func intFromEnv(getenv func(string) string, key string, def int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") || strings.HasSuffix(projectName, ".test") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
