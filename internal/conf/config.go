package conf

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/bookgate/uploader-backend/internal/pkg/database"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/pkg/redis"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Folders        FoldersConfig        `mapstructure:"folders"`
	Upload         UploadConfig         `mapstructure:"upload"`
	Security       SecurityConfig       `mapstructure:"security"`
	Scanning       ScanningConfig       `mapstructure:"scanning"`
	Metadata       MetadataConfig       `mapstructure:"metadata"`
	Preview        PreviewConfig        `mapstructure:"preview"`
	Moving         MovingConfig         `mapstructure:"moving"`
	DiskProtection DiskProtectionConfig `mapstructure:"disk_protection"`
	Kavita         KavitaConfig         `mapstructure:"kavita"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Database       database.Config      `mapstructure:"database"`
	Redis          redis.Config         `mapstructure:"redis"`
	Log            logger.Config        `mapstructure:"log"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type FoldersConfig struct {
	Quarantine string `mapstructure:"quarantine"`
	Unsorted   string `mapstructure:"unsorted"`
	Library    string `mapstructure:"library"`
}

type UploadConfig struct {
	MaxFileSizeMB     int      `mapstructure:"max_file_size_mb"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	AllowedMIMETypes  []string `mapstructure:"allowed_mime_types"`
}

// MaxFileSizeBytes returns the upload size cap in bytes.
func (c *UploadConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

type SecurityConfig struct {
	FilePermissionsMode      uint32 `mapstructure:"file_permissions_mode"`
	DirectoryPermissionsMode uint32 `mapstructure:"directory_permissions_mode"`
	SanitizeFilenames        bool   `mapstructure:"sanitize_filenames"`
}

type ScanningConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Provider            string        `mapstructure:"provider"`
	VirusTotalAPIKey    string        `mapstructure:"virustotal_api_key"`
	VirusTotalTimeout   time.Duration `mapstructure:"virustotal_timeout"`
	PollingInterval     time.Duration `mapstructure:"polling_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	AutoDeleteInfected  bool          `mapstructure:"auto_delete_infected"`
	AutoSkipKnownHashes bool          `mapstructure:"auto_skip_known_hashes"`
	Workers             int           `mapstructure:"workers"`
}

type MetadataConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	ExtractOnUpload  bool     `mapstructure:"extract_on_upload"`
	AllowUserEditing bool     `mapstructure:"allow_user_editing"`
	RequiredFields   []string `mapstructure:"required_fields"`
}

type PreviewConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	MaxPages       int      `mapstructure:"max_pages"`
	Width          int      `mapstructure:"width"`
	Height         int      `mapstructure:"height"`
	SupportedTypes []string `mapstructure:"supported_types"`
	CachePreviews  bool     `mapstructure:"cache_previews"`
	CacheDir       string   `mapstructure:"cache_dir"`
}

type NotificationConfig struct {
	EmailEnabled    bool     `mapstructure:"email_enabled"`
	EmailRecipients []string `mapstructure:"email_recipients"`
	EmailFrom       string   `mapstructure:"email_from"`
	SMTPHost        string   `mapstructure:"smtp_host"`
	SMTPPort        int      `mapstructure:"smtp_port"`
	SMTPUsername    string   `mapstructure:"smtp_username"`
	SMTPPassword    string   `mapstructure:"smtp_password"`
	WebhookEnabled  bool     `mapstructure:"webhook_enabled"`
	WebhookURL      string   `mapstructure:"webhook_url"`
}

type MovingConfig struct {
	Enabled                     bool               `mapstructure:"enabled"`
	UnsortedDir                 string             `mapstructure:"unsorted_dir"`
	KavitaLibraryDirs           []string           `mapstructure:"kavita_library_dirs"`
	RenameOnNameConflict        bool               `mapstructure:"rename_on_name_conflict"`
	RenamePattern               string             `mapstructure:"rename_pattern"`
	DiscardOnExactDuplicate     bool               `mapstructure:"discard_on_exact_duplicate"`
	VerifyIntegrityPostMove     bool               `mapstructure:"verify_integrity_post_move"`
	DryRun                      bool               `mapstructure:"dry_run"`
	ChecksumManifest            bool               `mapstructure:"checksum_manifest"`
	ManifestPath                string             `mapstructure:"manifest_path"`
	AtomicOperations            bool               `mapstructure:"atomic_operations"`
	CleanupQuarantineOnSuccess  bool               `mapstructure:"cleanup_quarantine_on_success"`
	Notification                NotificationConfig `mapstructure:"notification"`
}

type DiskProtectionConfig struct {
	Enabled                     bool          `mapstructure:"enabled"`
	MinFreeSpacePercent         float64       `mapstructure:"min_free_space_percent"`
	ReserveSpaceBytes           int64         `mapstructure:"reserve_space_bytes"`
	MaxQuarantineSizeBytes      int64         `mapstructure:"max_quarantine_size_bytes"`
	MaxSingleUploadSizeMB       int           `mapstructure:"max_single_upload_size_mb"`
	AutoCleanupEnabled          bool          `mapstructure:"auto_cleanup_enabled"`
	AutoCleanupAge              time.Duration `mapstructure:"auto_cleanup_age"`
	CleanupInterval             time.Duration `mapstructure:"cleanup_interval"`
	EmergencyThresholdPercent   float64       `mapstructure:"emergency_threshold_percent"`
	AlertThresholdPercent       float64       `mapstructure:"alert_threshold_percent"`
}

// MaxSingleUploadSizeBytes returns the per-upload disk guard cap in bytes.
func (c *DiskProtectionConfig) MaxSingleUploadSizeBytes() int64 {
	return int64(c.MaxSingleUploadSizeMB) * 1024 * 1024
}

type KavitaConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	ServerURL string        `mapstructure:"server_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type AuthConfig struct {
	RequireAuth   bool          `mapstructure:"require_auth"`
	SessionSecret string        `mapstructure:"session_secret"`
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
	CookieName    string        `mapstructure:"cookie_name"`
}

// LoadConfig reads the YAML config at path with environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5050)

	v.SetDefault("folders.quarantine", "ebooks/quarantine")
	v.SetDefault("folders.unsorted", "ebooks/unsorted")
	v.SetDefault("folders.library", "ebooks/library")

	v.SetDefault("upload.max_file_size_mb", 25)
	v.SetDefault("upload.allowed_extensions", []string{"epub", "pdf", "cbz", "cbr", "mobi", "azw3"})
	v.SetDefault("upload.allowed_mime_types", []string{
		"application/epub+zip",
		"application/pdf",
		"application/x-cbr",
		"application/x-cbz",
		"application/zip",
		"application/vnd.amazon.ebook",
		"application/x-mobipocket-ebook",
	})

	v.SetDefault("security.file_permissions_mode", 0o600)
	v.SetDefault("security.directory_permissions_mode", 0o700)
	v.SetDefault("security.sanitize_filenames", true)

	v.SetDefault("scanning.enabled", false)
	v.SetDefault("scanning.provider", "virustotal")
	v.SetDefault("scanning.virustotal_timeout", time.Minute)
	v.SetDefault("scanning.polling_interval", 30*time.Second)
	v.SetDefault("scanning.max_retries", 20)
	v.SetDefault("scanning.auto_skip_known_hashes", true)
	v.SetDefault("scanning.workers", 2)

	v.SetDefault("metadata.enabled", true)
	v.SetDefault("metadata.allow_user_editing", true)
	v.SetDefault("metadata.required_fields", []string{"title", "author"})

	v.SetDefault("preview.enabled", true)
	v.SetDefault("preview.max_pages", 3)
	v.SetDefault("preview.width", 1024)
	v.SetDefault("preview.height", 768)
	v.SetDefault("preview.supported_types", []string{"pdf", "epub"})
	v.SetDefault("preview.cache_previews", true)
	v.SetDefault("preview.cache_dir", "cache/previews")

	v.SetDefault("moving.enabled", true)
	v.SetDefault("moving.rename_on_name_conflict", true)
	v.SetDefault("moving.rename_pattern", "{title} - {author} (duplicate_{timestamp}){ext}")
	v.SetDefault("moving.discard_on_exact_duplicate", true)
	v.SetDefault("moving.verify_integrity_post_move", true)
	v.SetDefault("moving.checksum_manifest", true)
	v.SetDefault("moving.manifest_path", "logs/manifest.csv")
	v.SetDefault("moving.atomic_operations", true)
	v.SetDefault("moving.cleanup_quarantine_on_success", true)

	v.SetDefault("disk_protection.enabled", true)
	v.SetDefault("disk_protection.min_free_space_percent", 10.0)
	v.SetDefault("disk_protection.reserve_space_bytes", int64(1073741824))
	v.SetDefault("disk_protection.max_quarantine_size_bytes", int64(10737418240))
	v.SetDefault("disk_protection.max_single_upload_size_mb", 100)
	v.SetDefault("disk_protection.auto_cleanup_enabled", true)
	v.SetDefault("disk_protection.auto_cleanup_age", 72*time.Hour)
	v.SetDefault("disk_protection.cleanup_interval", time.Hour)
	v.SetDefault("disk_protection.emergency_threshold_percent", 5.0)
	v.SetDefault("disk_protection.alert_threshold_percent", 15.0)

	v.SetDefault("kavita.server_url", "http://localhost:5000")
	v.SetDefault("kavita.timeout", 10*time.Second)
	v.SetDefault("kavita.cache_ttl", 5*time.Minute)

	v.SetDefault("auth.require_auth", false)
	v.SetDefault("auth.token_expiry", 24*time.Hour)
	v.SetDefault("auth.cookie_name", "uploader_token")
}

// EnsureDirectories creates the working directories with secure permissions.
func (c *Config) EnsureDirectories() error {
	mode := os.FileMode(c.Security.DirectoryPermissionsMode)
	if mode == 0 {
		mode = 0o700
	}

	dirs := []string{
		c.Folders.Quarantine,
		c.Folders.Unsorted,
	}
	if c.Preview.CachePreviews && c.Preview.CacheDir != "" {
		dirs = append(dirs, c.Preview.CacheDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, mode); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
