// Package config loads and validates the supervisor's main INI
// configuration and per-package override files (SPEC_FULL.md §4.9,
// §6), grounded on
// original_source/src/manager/src/config/parser.rs's section-by-section
// extraction from configparser::ini::Ini.
package config

import (
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/ini.v1"

	"github.com/websoft9/framed/internal/ferrors"
)

// ServiceConfig is the `[service]` section.
type ServiceConfig struct {
	Enabled             bool `ini:"enabled"`
	PortRangeStart      int  `ini:"port_range_start"`
	PortRangeEnd        int  `ini:"port_range_end"`
	ManagerPort         int  `ini:"manager_port"`
	AutoStart           bool `ini:"auto_start"`
	HealthCheckInterval int  `ini:"health_check_interval"`
}

func defaultService() ServiceConfig {
	return ServiceConfig{
		Enabled:             true,
		PortRangeStart:      30000,
		PortRangeEnd:        39999,
		ManagerPort:         9000,
		AutoStart:           true,
		HealthCheckInterval: 30,
	}
}

// DefaultsConfig is the `[defaults]` section: service-wide resource caps.
type DefaultsConfig struct {
	MemoryLimit int `ini:"memory_limit"`
	CPULimit    int `ini:"cpu_limit"`
	MaxApps     int `ini:"max_apps"`
	DiskQuota   int `ini:"disk_quota"`
}

func defaultDefaults() DefaultsConfig {
	return DefaultsConfig{MemoryLimit: 512, CPULimit: 25, MaxApps: 5, DiskQuota: 1024}
}

// LoggingConfig is the `[logging]` section.
type LoggingConfig struct {
	Level         string `ini:"level"`
	RetentionDays int    `ini:"retention_days"`
	MaxFileSize   int    `ini:"max_file_size"`
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{Level: "info", RetentionDays: 30, MaxFileSize: 10485760}
}

// SecurityConfig is the `[security]` section.
type SecurityConfig struct {
	AllowFSAccess  bool `ini:"allow_fs_access"`
	AllowSysAccess bool `ini:"allow_sys_access"`
	RequireHTTPS   bool `ini:"require_https"`
}

func defaultSecurity() SecurityConfig {
	return SecurityConfig{AllowFSAccess: false, AllowSysAccess: false, RequireHTTPS: false}
}

// ProxyConfig is the `[proxy]` section.
type ProxyConfig struct {
	Backend   string `ini:"backend"`
	Timeout   int    `ini:"timeout"`
	Websocket bool   `ini:"websocket"`
}

func defaultProxy() ProxyConfig {
	return ProxyConfig{Backend: "nginx", Timeout: 60, Websocket: true}
}

// Config is the fully parsed main configuration file.
type Config struct {
	Service  ServiceConfig
	Defaults DefaultsConfig
	Logging  LoggingConfig
	Security SecurityConfig
	Proxy    ProxyConfig
}

// Validate enforces SPEC_FULL.md §6's rejection rules.
func (c Config) Validate() error {
	err := validation.Errors{
		"service.port_range_start": validation.Validate(c.Service.PortRangeStart,
			validation.Required, validation.Min(1)),
		"service.port_range_end": validation.Validate(c.Service.PortRangeEnd,
			validation.Required, validation.Min(c.Service.PortRangeStart+1).Error("port_range_end must be greater than port_range_start")),
		"service.manager_port": validation.Validate(c.Service.ManagerPort,
			validation.Required,
			validation.By(func(value interface{}) error {
				p := value.(int)
				if p >= c.Service.PortRangeStart && p <= c.Service.PortRangeEnd {
					return validation.NewError("manager_port_in_range", "manager_port must not fall inside the user port range")
				}
				return nil
			})),
		"defaults.cpu_limit": validation.Validate(c.Defaults.CPULimit,
			validation.Min(1), validation.Max(100)),
	}.Filter()
	if err != nil {
		return ferrors.New("config.Validate", ferrors.ConfigInvalid, err)
	}
	return nil
}

// Load parses path into a Config, applying defaults to unset keys and
// validating the result.
func Load(path string) (Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return Config{}, ferrors.New("config.Load", ferrors.IoFailure, err)
	}

	cfg := Config{
		Service:  defaultService(),
		Defaults: defaultDefaults(),
		Logging:  defaultLogging(),
		Security: defaultSecurity(),
		Proxy:    defaultProxy(),
	}

	if sec := file.Section("service"); sec != nil {
		if err := sec.MapTo(&cfg.Service); err != nil {
			return Config{}, ferrors.New("config.Load", ferrors.ConfigInvalid, err)
		}
	}
	if sec := file.Section("defaults"); sec != nil {
		if err := sec.MapTo(&cfg.Defaults); err != nil {
			return Config{}, ferrors.New("config.Load", ferrors.ConfigInvalid, err)
		}
	}
	if sec := file.Section("logging"); sec != nil {
		if err := sec.MapTo(&cfg.Logging); err != nil {
			return Config{}, ferrors.New("config.Load", ferrors.ConfigInvalid, err)
		}
	}
	if sec := file.Section("security"); sec != nil {
		if err := sec.MapTo(&cfg.Security); err != nil {
			return Config{}, ferrors.New("config.Load", ferrors.ConfigInvalid, err)
		}
	}
	if sec := file.Section("proxy"); sec != nil {
		if err := sec.MapTo(&cfg.Proxy); err != nil {
			return Config{}, ferrors.New("config.Load", ferrors.ConfigInvalid, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PackageLimits is a package tier's resource caps (SPEC_FULL.md §3).
type PackageLimits struct {
	MemoryLimitMB int `ini:"memory_limit"`
	CPULimit      int `ini:"cpu_limit"`
	MaxApps       int `ini:"max_apps"`
	DiskQuotaMB   int `ini:"disk_quota"`
}

// PackageFeatures is a package tier's feature flags.
type PackageFeatures struct {
	FSAccess      bool `ini:"fs_access"`
	SysAccess     bool `ini:"sys_access"`
	CustomDomains bool `ini:"custom_domains"`
	SSLSupport    bool `ini:"ssl_support"`
}

// PackageConfig is one hosting-package tier's override file.
type PackageConfig struct {
	Name     string
	Limits   PackageLimits
	Features PackageFeatures
}

// LoadPackage parses a package override INI file at path. The package
// name is derived from the file's base name (without extension),
// matching original_source's file_stem() derivation.
func LoadPackage(path string) (PackageConfig, error) {
	file, err := ini.Load(path)
	if err != nil {
		return PackageConfig{}, ferrors.New("config.LoadPackage", ferrors.IoFailure, err)
	}

	pkg := PackageConfig{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Limits: PackageLimits{
			MemoryLimitMB: 512,
			CPULimit:      25,
			MaxApps:       5,
			DiskQuotaMB:   1024,
		},
		Features: PackageFeatures{
			FSAccess:      false,
			SysAccess:     false,
			CustomDomains: true,
			SSLSupport:    true,
		},
	}

	if sec := file.Section("limits"); sec != nil {
		if err := sec.MapTo(&pkg.Limits); err != nil {
			return PackageConfig{}, ferrors.New("config.LoadPackage", ferrors.ConfigInvalid, err)
		}
	}
	if sec := file.Section("features"); sec != nil {
		if err := sec.MapTo(&pkg.Features); err != nil {
			return PackageConfig{}, ferrors.New("config.LoadPackage", ferrors.ConfigInvalid, err)
		}
	}
	return pkg, nil
}

// SavePackage writes pkg back to path, preserving the [limits]/
// [features] shape, used by the HTTP `PUT /frame/packages/{name}` route.
func SavePackage(path string, pkg PackageConfig) error {
	file := ini.Empty()
	if err := file.Section("limits").ReflectFrom(&pkg.Limits); err != nil {
		return ferrors.New("config.SavePackage", ferrors.Internal, err)
	}
	if err := file.Section("features").ReflectFrom(&pkg.Features); err != nil {
		return ferrors.New("config.SavePackage", ferrors.Internal, err)
	}
	if err := file.SaveTo(path); err != nil {
		return ferrors.New("config.SavePackage", ferrors.IoFailure, err)
	}
	return nil
}
