// Package brand provides the product name, default paths and build metadata.
//
// The brand identity is loaded from brand.json at compile time via go:embed.
package brand

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	EndpointDirName  string `json:"endpointDirName"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultRunDir = b.DefaultRunDir
	EndpointDirName = b.EndpointDirName
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
}

var (
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultRunDir    string
	EndpointDirName  string
	BinaryName       string
	ConfigFileName   string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionString describes the build on one line.
func VersionString() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s/%s)",
		BinaryName, Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: VMLINK_CONFIG_DIR > VMLINK_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	return dirFromEnv("_CONFIG_DIR", "config", DefaultConfigDir)
}

// GetStateDir returns the state directory, checking env vars first.
// Priority: VMLINK_STATE_DIR > VMLINK_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	return dirFromEnv("_STATE_DIR", "state", DefaultStateDir)
}

// GetRunDir returns the runtime directory holding agent endpoints.
// Priority: VMLINK_RUN_DIR > VMLINK_PREFIX/run > DefaultRunDir
func GetRunDir() string {
	return dirFromEnv("_RUN_DIR", "run", DefaultRunDir)
}

func dirFromEnv(suffix, sub, def string) string {
	if dir := os.Getenv(ConfigEnvPrefix + suffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// DatabasePath returns the default SQLite database path.
func DatabasePath() string {
	return filepath.Join(GetStateDir(), LowerName+".db")
}

// EndpointDir returns the default directory watched for agent endpoints.
func EndpointDir() string {
	return filepath.Join(GetRunDir(), EndpointDirName)
}
