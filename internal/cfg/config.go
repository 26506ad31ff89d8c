package cfg

import (
	"io"

	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	HTTPBambooStatusEndpoint  string `toml:"bamboo_status_endpoint"`
	HTTPMetricsEndpoint       string `toml:"metrics_endpoint"`

	GithubWebHookSecret string `toml:"github_webhook_secret"`
	GithubAPIToken      string `toml:"github_api_token"`

	BambooURL        string `toml:"bamboo_url"`
	BambooUser       string `toml:"bamboo_user"`
	BambooPassword   string `toml:"bamboo_password"`
	BambooHMACSecret string `toml:"bamboo_hmac_secret"`

	SlackWebhookURL string `toml:"slack_webhook_url"`

	DatabasePath string `toml:"database_path"`

	// DefaultPlan is the Bamboo plan key that is run for pull requests
	// without an own plan configuration.
	DefaultPlan string `toml:"default_plan"`

	// TriggerFilterQuery is a jq expression that is evaluated against
	// the raw webhook payload of pull-request events. Only payloads for
	// which it returns true trigger a build.
	TriggerFilterQuery string `toml:"trigger_filter_query"`

	LogFormat  string `toml:"log_format"`
	LogTimeKey string `toml:"log_time_key"`
	LogLevel   string `toml:"log_level"`

	Stages []StageConfiguration `toml:"stage"`
	Groups []Group              `toml:"group"`
}

// StageConfiguration is the static template of one pipeline stage.
// Position defines the pipeline order.
type StageConfiguration struct {
	Name            string `toml:"name"`
	DisplayName     string `toml:"display_name"`
	Position        int    `toml:"position"`
	Mandatory       bool   `toml:"mandatory"`
	CanRetry        bool   `toml:"can_retry"`
	StartInProgress bool   `toml:"start_in_progress"`
}

// Group maps GitHub logins to a re-run feature policy.
type Group struct {
	Name                   string   `toml:"name"`
	Members                []string `toml:"members"`
	RerunAllowed           bool     `toml:"rerun"`
	MaxRerunPerPullRequest int      `toml:"max_rerun_per_pull_request"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}
