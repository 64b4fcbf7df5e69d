package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

const (
	SectionConfig  = "agent_config"
	SectionInfo    = "agent_info"
	SectionRuntime = "agent_runtime"

	EnvPrefix = "RVAGENT"
)

// Identity is what the agent presents to the server.
type Identity struct {
	AgentID       string
	Token         string
	ServerAddress string
	ServerPort    int
	Scheme        string
	Views         []string
	Tags          []string
}

type Info struct {
	Name        string
	Version     string
	Description string
	InstallDate string
}

type Runtime struct {
	LogLevel        string
	LogFile         string
	CheckInInterval time.Duration
	CheckInOnStart  bool
	ResultInterval  time.Duration
	RedisAddr       string
	DBFile          string
	ListenAddr      string
	ListenToken     string
	RoutesFile      string
	Savable         []string
	Workers         int
}

type Config struct {
	Identity Identity
	Info     Info
	Runtime  Runtime
}

func defaults(v *viper.Viper) {
	v.SetDefault(SectionConfig+".scheme", "https")
	v.SetDefault(SectionConfig+".serverport", 443)
	v.SetDefault(SectionRuntime+".loglevel", "debug")
	v.SetDefault(SectionRuntime+".checkininterval", "60s")
	v.SetDefault(SectionRuntime+".checkinonstart", false)
	v.SetDefault(SectionRuntime+".resultinterval", "5s")
	v.SetDefault(SectionRuntime+".workers", 4)
}

// Load reads an INI settings file. Any key may be overridden from the
// environment, e.g. RVAGENT_AGENT_CONFIG_TOKEN.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	checkIn, err := duration(v, SectionRuntime+".checkininterval")
	if err != nil {
		return Config{}, err
	}
	resultInterval, err := duration(v, SectionRuntime+".resultinterval")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Identity: Identity{
			AgentID:       v.GetString(SectionConfig + ".agentid"),
			Token:         v.GetString(SectionConfig + ".token"),
			ServerAddress: v.GetString(SectionConfig + ".serveraddress"),
			ServerPort:    v.GetInt(SectionConfig + ".serverport"),
			Scheme:        v.GetString(SectionConfig + ".scheme"),
			Views:         splitList(v.GetString(SectionConfig + ".views")),
			Tags:          splitList(v.GetString(SectionConfig + ".tags")),
		},
		Info: Info{
			Name:        v.GetString(SectionInfo + ".name"),
			Version:     v.GetString(SectionInfo + ".version"),
			Description: v.GetString(SectionInfo + ".description"),
			InstallDate: v.GetString(SectionInfo + ".installdate"),
		},
		Runtime: Runtime{
			LogLevel:        v.GetString(SectionRuntime + ".loglevel"),
			LogFile:         v.GetString(SectionRuntime + ".logfile"),
			CheckInInterval: checkIn,
			CheckInOnStart:  v.GetBool(SectionRuntime + ".checkinonstart"),
			ResultInterval:  resultInterval,
			RedisAddr:       v.GetString(SectionRuntime + ".redisaddr"),
			DBFile:          v.GetString(SectionRuntime + ".dbfile"),
			ListenAddr:      v.GetString(SectionRuntime + ".listenaddr"),
			ListenToken:     v.GetString(SectionRuntime + ".listentoken"),
			RoutesFile:      v.GetString(SectionRuntime + ".routesfile"),
			Savable:         splitList(v.GetString(SectionRuntime + ".savable")),
			Workers:         v.GetInt(SectionRuntime + ".workers"),
		},
	}
	if cfg.Identity.ServerAddress == "" {
		return Config{}, errors.New("config: serveraddress is required")
	}
	if cfg.Identity.ServerPort <= 0 || cfg.Identity.ServerPort > 65535 {
		return Config{}, fmt.Errorf("config: invalid serverport %d", cfg.Identity.ServerPort)
	}
	if cfg.Runtime.CheckInInterval <= 0 {
		cfg.Runtime.CheckInInterval = 60 * time.Second
	}
	if cfg.Runtime.ResultInterval <= 0 {
		cfg.Runtime.ResultInterval = 5 * time.Second
	}
	if cfg.Runtime.Workers <= 0 {
		cfg.Runtime.Workers = 4
	}
	return cfg, nil
}

// Store owns the loaded configuration. Readers get a consistent snapshot;
// Reload and Update swap the whole value.
type Store struct {
	path    string
	mu      sync.Mutex
	current atomic.Pointer[Config]
}

func Open(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(&cfg)
	return s, nil
}

// NewStatic wraps an in-memory configuration that is never reloaded or saved.
func NewStatic(cfg Config) *Store {
	s := &Store{}
	s.current.Store(&cfg)
	return s
}

func (s *Store) Config() Config {
	return *s.current.Load()
}

func (s *Store) Identity() Identity {
	return s.current.Load().Identity
}

func (s *Store) AgentID() string {
	return s.current.Load().Identity.AgentID
}

func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&cfg)
	return nil
}

// Update applies fn to a copy of the identity and publishes the result.
func (s *Store) Update(fn func(*Identity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.current.Load()
	next.Identity.Views = append([]string(nil), next.Identity.Views...)
	next.Identity.Tags = append([]string(nil), next.Identity.Tags...)
	fn(&next.Identity)
	s.current.Store(&next)
}

// UpdateRuntime applies fn to a copy of the runtime settings. Runtime
// settings are never saved.
func (s *Store) UpdateRuntime(fn func(*Runtime)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.current.Load()
	next.Runtime.Savable = append([]string(nil), next.Runtime.Savable...)
	fn(&next.Runtime)
	s.current.Store(&next)
}

// Save writes identity and info back to the settings file, keeping every
// other section and comment as it is.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := ini.Load(s.path)
	if err != nil {
		return fmt.Errorf("load config for save failed: %w", err)
	}
	cfg := s.current.Load()

	section := file.Section(SectionConfig)
	section.Key("agentid").SetValue(cfg.Identity.AgentID)
	section.Key("token").SetValue(cfg.Identity.Token)
	section.Key("serveraddress").SetValue(cfg.Identity.ServerAddress)
	section.Key("serverport").SetValue(strconv.Itoa(cfg.Identity.ServerPort))
	section.Key("views").SetValue(strings.Join(cfg.Identity.Views, ","))
	section.Key("tags").SetValue(strings.Join(cfg.Identity.Tags, ","))

	info := file.Section(SectionInfo)
	info.Key("name").SetValue(cfg.Info.Name)
	info.Key("version").SetValue(cfg.Info.Version)
	info.Key("description").SetValue(cfg.Info.Description)
	info.Key("installdate").SetValue(cfg.Info.InstallDate)

	if err := file.SaveTo(s.path); err != nil {
		return fmt.Errorf("save config failed: %w", err)
	}
	return nil
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// duration accepts Go durations ("90s") and bare integers as seconds.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
