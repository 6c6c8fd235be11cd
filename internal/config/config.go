package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/policy"
)

// Config корневая структура конфигурации движка претензий.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	EventBus EventBusConfig `yaml:"eventbus"`
	Cache    CacheConfig    `yaml:"cache"`
	Sync     SyncConfig     `yaml:"sync"`
	Auth     AuthConfig     `yaml:"auth"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Policy   PolicyConfig   `yaml:"policy"`
}

type ServerConfig struct {
	RESTPort    int `yaml:"rest_port"`
	MetricsPort int `yaml:"metrics_port"`
}

type StorageConfig struct {
	// Backend: memory | badger | maria | mongo
	Backend  string `yaml:"backend"`
	DataPath string `yaml:"data_path"` // для badger
	MariaDSN string `yaml:"maria_dsn"`
	MongoURI string `yaml:"mongo_uri"`
	MongoDB  string `yaml:"mongo_db"`
}

type EventBusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	NATSURL       string `yaml:"nats_url"`
}

// SyncConfig управляет репликацией претензий между узлами.
type SyncConfig struct {
	Enabled     bool   `yaml:"enabled"`
	NodeID      string `yaml:"node_id"`
	BatchSize   int    `yaml:"batch_size"`
	FlushEvery  int    `yaml:"flush_every_seconds"`
	Compression string `yaml:"compression"` // none | gzip | s2
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type PipelineConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// PolicyConfig описывает каскад настроек: глобальный уровень, группы
// в порядке объявления и точечные переопределения игроков.
type PolicyConfig struct {
	LeastPermissive bool                          `yaml:"least_permissive"`
	Economy         EconomyConfig                 `yaml:"economy"`
	Global          map[string]float64            `yaml:"global"`
	Groups          []GroupConfig                 `yaml:"groups"`
	Players         map[string]map[string]float64 `yaml:"players"`
	// Memberships: игрок → группы в порядке убывания приоритета.
	Memberships map[string][]string `yaml:"memberships"`
	Defaults    DefaultsConfig      `yaml:"defaults"`
}

type EconomyConfig struct {
	Enabled           bool `yaml:"enabled"`
	MultiplierEnabled bool `yaml:"multiplier_enabled"`
}

type GroupConfig struct {
	Name     string             `yaml:"name"`
	Settings map[string]float64 `yaml:"settings"`
}

// DefaultsConfig задаёт действия, разрешённые аудиториям по умолчанию
// (при отсутствии переопределения в претензии).
type DefaultsConfig struct {
	Members  map[string]bool `yaml:"members"`
	Visitors map[string]bool `yaml:"visitors"`
}

// GetRESTPort возвращает REST API порт с приоритетом config -> env -> default.
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "CLAIM_REST_PORT", 8088)
}

// GetMetricsPort возвращает порт метрик Prometheus с поддержкой fallback значений.
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "CLAIM_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default.
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// ToPolicySnapshot преобразует секцию policy в снимок каскада.
// Неизвестные действия в defaults отбрасываются с ошибкой, чтобы
// опечатка в конфигурации не превращалась в молчаливый запрет.
func (p *PolicyConfig) ToPolicySnapshot() (policy.Snapshot, error) {
	snap := policy.Snapshot{
		Global:                policy.Values(p.Global),
		Players:               make(map[string]policy.Values, len(p.Players)),
		LeastPermissive:       p.LeastPermissive,
		EconomyEnabled:        p.Economy.Enabled,
		CostMultiplierEnabled: p.Economy.MultiplierEnabled,
		DefaultMembers:        make(map[claim.Action]bool, len(p.Defaults.Members)),
		DefaultVisitors:       make(map[claim.Action]bool, len(p.Defaults.Visitors)),
	}

	for _, g := range p.Groups {
		snap.Groups = append(snap.Groups, policy.GroupValues{
			Name:   g.Name,
			Values: policy.Values(g.Settings),
		})
	}
	for player, vals := range p.Players {
		snap.Players[strings.ToLower(player)] = policy.Values(vals)
	}

	for name, allowed := range p.Defaults.Members {
		a := claim.Action(name)
		if !a.IsValid() {
			return policy.Snapshot{}, fmt.Errorf("неизвестное действие в defaults.members: %q", name)
		}
		snap.DefaultMembers[a] = allowed
	}
	for name, allowed := range p.Defaults.Visitors {
		a := claim.Action(name)
		if !a.IsValid() {
			return policy.Snapshot{}, fmt.Errorf("неизвестное действие в defaults.visitors: %q", name)
		}
		snap.DefaultVisitors[a] = allowed
	}

	return snap, nil
}

// GroupProvider строит статический провайдер групп из секции memberships.
func (p *PolicyConfig) GroupProvider() policy.StaticGroups {
	groups := make(policy.StaticGroups, len(p.Memberships))
	for player, gs := range p.Memberships {
		groups[strings.ToLower(player)] = gs
	}
	return groups
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV CLAIM_CONFIG или возвращает nil, nil.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CLAIM_CONFIG")
		if path == "" {
			return nil, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
