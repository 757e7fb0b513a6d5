package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"boxforge/internal/failure"
	"boxforge/internal/naming"
	"boxforge/internal/packages"
	"boxforge/internal/pipeline"

	"gopkg.in/yaml.v2"
)

// Config contains application configuration
type Config struct {
	Build     BuildConfig     `yaml:"build"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`

	// Per-role recipe overrides (raw for custom deserialization)
	RecipesRaw map[string]pipeline.RecipeRaw `yaml:"recipes"`

	Cluster ClusterConfig `yaml:"cluster"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BuildConfig holds the defaults for image builds
type BuildConfig struct {
	Distribution string `yaml:"distribution"`
	Number       string `yaml:"number"`
	DefaultIP    string `yaml:"default_ip"`
	WorkDir      string `yaml:"work_dir"`

	// Vagrant/libvirt settings
	VagrantBinary string `yaml:"vagrant_binary"`
	Provider      string `yaml:"provider"`
	ImageDir      string `yaml:"image_dir"`

	// StockImages overrides the stock image name of a supported distribution
	StockImages map[string]string `yaml:"stock_images"`

	// Packages bundle location, a template over {{.Build}} and {{.Distribution}}
	PackagesURL      string `yaml:"packages_url"`
	SkipPreflight    bool   `yaml:"skip_preflight"`
	PreflightRetries int    `yaml:"preflight_retries"`
}

// BootstrapConfig is the credential baked into the stock image
type BootstrapConfig struct {
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// TimeoutsConfig bounds every blocking step
type TimeoutsConfig struct {
	SSHWait   time.Duration `yaml:"ssh_wait"`
	Dial      time.Duration `yaml:"dial"`
	Command   time.Duration `yaml:"command"`
	Preflight time.Duration `yaml:"preflight"`
}

// ClusterConfig describes the cluster-wide setup pass
type ClusterConfig struct {
	TestbedDir     string `yaml:"testbed_dir"`
	UtilsDir       string `yaml:"utils_dir"`
	Placeholder    string `yaml:"credential_placeholder"`
	SetupCommand   string `yaml:"setup_command"`
	NetworkRestart string `yaml:"network_restart"`
}

// LedgerConfig selects where image and run records are kept
type LedgerConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	Path          string   `yaml:"path"`
}

// MirrorConfig enables bundle upload to S3-compatible storage
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// MetricsConfig enables the Prometheus textfile
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	setup := pipeline.DefaultSetup()
	return &Config{
		Build: BuildConfig{
			Distribution:     naming.DistroCentOS,
			DefaultIP:        "10.20.30.40",
			WorkDir:          ".",
			VagrantBinary:    "vagrant",
			Provider:         "libvirt",
			ImageDir:         "/var/lib/libvirt/images",
			PackagesURL:      packages.DefaultURLTemplate,
			PreflightRetries: 3,
		},
		Bootstrap: BootstrapConfig{
			User:     "root",
			Password: "vagrant",
		},
		Timeouts: TimeoutsConfig{
			SSHWait:   5 * time.Minute,
			Dial:      30 * time.Second,
			Command:   30 * time.Minute,
			Preflight: 30 * time.Second,
		},
		Cluster: ClusterConfig{
			TestbedDir:     setup.TestbedDir,
			UtilsDir:       setup.UtilsDir,
			Placeholder:    setup.Placeholder,
			SetupCommand:   setup.Command,
			NetworkRestart: "service network restart",
		},
		Ledger: LedgerConfig{
			Path: "boxforge-ledger.json",
		},
		Mirror: MirrorConfig{
			Region: "us-east-1",
		},
	}
}

// Load loads configuration from YAML file
func Load() (*Config, error) {
	config := Default()

	// Try to load from YAML file first
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "boxforge.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.expandEnv()

	// Override with environment variables if set
	if build := os.Getenv("BOXFORGE_BUILD"); build != "" {
		config.Build.Number = build
	}
	if distro := os.Getenv("BOXFORGE_DISTRO"); distro != "" {
		config.Build.Distribution = distro
	}
	if endpoints := os.Getenv("BOXFORGE_ETCD_ENDPOINTS"); endpoints != "" {
		config.Ledger.EtcdEndpoints = splitList(endpoints)
	}
	if password := os.Getenv("BOXFORGE_BOOTSTRAP_PASSWORD"); password != "" {
		config.Bootstrap.Password = password
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// expandEnv expands environment variables in string fields
func (c *Config) expandEnv() {
	for _, field := range []*string{
		&c.Build.Distribution, &c.Build.Number, &c.Build.DefaultIP, &c.Build.WorkDir,
		&c.Build.VagrantBinary, &c.Build.ImageDir, &c.Build.PackagesURL,
		&c.Bootstrap.User, &c.Bootstrap.Password, &c.Bootstrap.PrivateKeyPath,
		&c.Ledger.Path,
		&c.Mirror.Endpoint, &c.Mirror.Region, &c.Mirror.Bucket, &c.Mirror.Prefix,
		&c.Mirror.AccessKey, &c.Mirror.SecretKey,
		&c.Metrics.Textfile,
	} {
		*field = os.ExpandEnv(*field)
	}
	for i, endpoint := range c.Ledger.EtcdEndpoints {
		c.Ledger.EtcdEndpoints[i] = os.ExpandEnv(endpoint)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the parameters every command depends on
func (c *Config) Validate() error {
	if c.Build.Distribution == "" {
		return failure.New(failure.InvalidInput, "validate config",
			fmt.Errorf("distribution is required (set build.distribution in config file or BOXFORGE_DISTRO environment variable)"))
	}
	if !c.Resolver().Supported(c.Build.Distribution) {
		return failure.New(failure.UnsupportedDistribution, "validate config",
			fmt.Errorf("%q (supported: %s)", c.Build.Distribution, strings.Join(c.Resolver().Distributions(), ", ")))
	}
	if c.Bootstrap.User == "" {
		return fmt.Errorf("bootstrap user is required")
	}
	if strings.ContainsFunc(c.Bootstrap.Password, unicode.IsControl) {
		return failure.New(failure.InvalidInput, "validate config",
			fmt.Errorf("bootstrap password must not contain control characters"))
	}
	if c.Bootstrap.Password == "" && c.Bootstrap.PrivateKeyPath == "" {
		return fmt.Errorf("bootstrap password or private key path is required")
	}

	for name, d := range map[string]time.Duration{
		"ssh_wait":  c.Timeouts.SSHWait,
		"dial":      c.Timeouts.Dial,
		"command":   c.Timeouts.Command,
		"preflight": c.Timeouts.Preflight,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive, got %v", name, d)
		}
	}
	if c.Build.PreflightRetries < 0 {
		return fmt.Errorf("build.preflight_retries must not be negative")
	}

	if _, err := c.Recipes(); err != nil {
		return err
	}
	return nil
}

// Resolver returns the image dependency resolver for the configured stock images
func (c *Config) Resolver() *naming.Resolver {
	return naming.NewResolver(c.Build.StockImages)
}

// Recipes returns the built-in recipes with the configured overrides applied
func (c *Config) Recipes() (pipeline.Recipes, error) {
	return pipeline.DefaultRecipes().Merge(c.RecipesRaw)
}

// Setup returns the cluster-wide setup pass
func (c *Config) Setup() pipeline.Setup {
	return pipeline.Setup{
		TestbedDir:  c.Cluster.TestbedDir,
		UtilsDir:    c.Cluster.UtilsDir,
		Placeholder: c.Cluster.Placeholder,
		Command:     c.Cluster.SetupCommand,
	}
}

// PackagesSource returns where the packages bundle of a build is published
func (c *Config) PackagesSource() packages.Source {
	return packages.Source{URLTemplate: c.Build.PackagesURL}
}
