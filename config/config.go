// Package config handles process configuration for storylined and
// storylinectl: where the data lives, what origin we front, and the
// constants the cache and push machinery need.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultShellManifest is the app shell that install seeds into the cache.
var DefaultShellManifest = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/images/favicon-16x16.png",
	"/images/icon-192x192.png",
	"/images/icon-512x512.png",
}

// DefaultStaticAllowlist decides which intercepted responses get cached.
// Each rule matches anywhere in the path, so ".js" also takes
// "/app.js.map".  Entries starting with "*" would be suffix rules.
var DefaultStaticAllowlist = []string{
	"/assets/",
	"/styles/",
	".js",
	".html",
}

const (
	DefaultCacheName      = "DicodingStory-V1"
	DefaultAPIBaseURL     = "https://story-api.dicoding.dev/v1"
	DefaultVAPIDPublicKey = "BCCs2eonMI-6H2ctvFaWg-UYdDv387Vno_bzUzALpB442r2lCnsHmtrx8biyPi_E-1fSGABK_Qs_GlvPoJJqxbk"
)

// Init loads viper from ~/.storyline.yaml and STORYLINE_* variables.
func Init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	viper.SetConfigType("yaml")
	viper.SetConfigName(".storyline")
	viper.AddConfigPath(home)
	viper.SetEnvPrefix("storyline")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen_address", "127.0.0.1:9000")
	viper.SetDefault("origin_url", "http://127.0.0.1:8080")
	viper.SetDefault("api_base_url", DefaultAPIBaseURL)
	viper.SetDefault("data_dir", filepath.Join(home, ".storyline.d"))
	viper.SetDefault("store_driver", "sqlite")
	viper.SetDefault("db_url", "")
	viper.SetDefault("cache_name", DefaultCacheName)
	viper.SetDefault("shell_manifest", DefaultShellManifest)
	viper.SetDefault("static_allowlist", DefaultStaticAllowlist)
	viper.SetDefault("navigation_fallback", "/index.html")
	viper.SetDefault("skip_waiting", true)
	viper.SetDefault("vapid_public_key", DefaultVAPIDPublicKey)
	viper.SetDefault("push_service_url", SelfPushService)
	viper.SetDefault("session_hash_key", "")
	viper.SetDefault("session_block_key", "")
	viper.SetDefault("lru_size", 256)
	viper.SetDefault("allowed_origins", []string{})
	viper.SetDefault("open_browser", true)

	err = viper.ReadInConfig() // ignore error if config file missing
	if err != nil {
		log.Printf("viper can't read config file: %v", err)
	}
	log.Printf("using data dir: %s", DataDir())
	log.Printf("using store driver: %s", StoreDriver())
	log.Printf("using origin: %s", OriginURL())
}

func ListenAddress() string {
	return viper.GetString("listen_address")
}

func OriginURL() string {
	return viper.GetString("origin_url")
}

func APIBaseURL() string {
	return viper.GetString("api_base_url")
}

func DataDir() string {
	return viper.GetString("data_dir")
}

// StoreDriver is one of "sqlite", "pgx" or "connector".
func StoreDriver() string {
	return viper.GetString("store_driver")
}

func DBURL() string {
	return viper.GetString("db_url")
}

// SQLitePath is where the saved-story database lives for the sqlite driver.
func SQLitePath() string {
	return filepath.Join(DataDir(), "stories.db")
}

// GenerationsPath is the bbolt file holding cache generations.
func GenerationsPath() string {
	return filepath.Join(DataDir(), "generations.db")
}

// SessionPath is where the encoded login session is kept.
func SessionPath() string {
	return filepath.Join(DataDir(), "session")
}

func CacheName() string {
	return viper.GetString("cache_name")
}

func ShellManifest() []string {
	return viper.GetStringSlice("shell_manifest")
}

func StaticAllowlist() []string {
	return viper.GetStringSlice("static_allowlist")
}

func NavigationFallback() string {
	return viper.GetString("navigation_fallback")
}

func SkipWaiting() bool {
	return viper.GetBool("skip_waiting")
}

func VAPIDPublicKey() string {
	return viper.GetString("vapid_public_key")
}

// SelfPushService points the push platform at the push service storylined
// mounts under /_push.
const SelfPushService = "self"

// PushServiceURL is empty when push is disabled.
func PushServiceURL() string {
	u := viper.GetString("push_service_url")
	if u == SelfPushService {
		return DaemonURL() + "/_push"
	}
	return u
}

// DaemonURL is where storylined serves, as seen from this host.
func DaemonURL() string {
	return "http://" + ListenAddress()
}

func SessionHashKey() string {
	return viper.GetString("session_hash_key")
}

func SessionBlockKey() string {
	return viper.GetString("session_block_key")
}

func LRUSize() int {
	return viper.GetInt("lru_size")
}

func AllowedOrigins() []string {
	return viper.GetStringSlice("allowed_origins")
}

func OpenBrowser() bool {
	return viper.GetBool("open_browser")
}
