package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"astroguard/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	EnvFileKey       = "ENV_FILE"
	ServicesFileKey  = "SERVICES_FILE"
	LogLevelKey      = "LOG_LEVEL"
	LogFormatKey     = "LOG_FORMAT"
	PortKey          = "PORT"
	AlertTopicARNKey = "ALERT_TOPIC_ARN"
	SNSEndpointKey   = "SNS_ENDPOINT"
	AdminTokenKey    = "ADMIN_TOKEN"

	ProkeralaClientIDKey     = "PROKERALA_CLIENT_ID"
	ProkeralaClientSecretKey = "PROKERALA_CLIENT_SECRET"
	OpenAIKeyKey             = "OPENAI_API_KEY"
	OpenAIModelKey           = "OPENAI_MODEL"

	DefaultPort         = 8080
	DefaultServicesFile = "services.yml"
	DefaultOpenAIModel  = "gpt-4o-mini"
)

// Settings are the process level settings read from the environment.
type Settings struct {
	Port                  int
	ServicesFile          string
	AlertTopicARN         string
	SNSEndpoint           string
	AdminToken            string
	ProkeralaClientID     string
	ProkeralaClientSecret string
	OpenAIKey             string
	OpenAIModel           string
}

// LoadEnv loads the .env file named by ENV_FILE (default ".env"). A missing file is not an error.
func LoadEnv() {
	envFile := getenv(EnvFileKey, ".env")
	if err := godotenv.Load(envFile); err != nil {
		log.WithField("file", envFile).Info("The .env file not found.")
	}
}

// SetupLogging applies LOG_LEVEL and LOG_FORMAT ("json" or text) to the standard logger.
func SetupLogging() {
	if strings.EqualFold(os.Getenv(LogFormatKey), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
	lvl, err := log.ParseLevel(getenv(LogLevelKey, "info"))
	if err != nil {
		log.WithError(err).Warn("invalid LOG_LEVEL, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func FromEnv() (Settings, error) {
	port, err := strconv.Atoi(getenv(PortKey, strconv.Itoa(DefaultPort)))
	if err != nil {
		return Settings{}, types.Err(types.ErrInvalidConfig, err, "%s", PortKey)
	}
	return Settings{
		Port:                  port,
		ServicesFile:          getenv(ServicesFileKey, DefaultServicesFile),
		AlertTopicARN:         os.Getenv(AlertTopicARNKey),
		SNSEndpoint:           os.Getenv(SNSEndpointKey),
		AdminToken:            os.Getenv(AdminTokenKey),
		ProkeralaClientID:     os.Getenv(ProkeralaClientIDKey),
		ProkeralaClientSecret: os.Getenv(ProkeralaClientSecretKey),
		OpenAIKey:             os.Getenv(OpenAIKeyKey),
		OpenAIModel:           getenv(OpenAIModelKey, DefaultOpenAIModel),
	}, nil
}

// LoadServices reads and validates the YAML services file at path.
func LoadServices(path string) (types.ServicesFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.ServicesFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseServices(b)
}

// ParseServices decodes a services document. Missing alert thresholds get their defaults.
func ParseServices(b []byte) (types.ServicesFile, error) {
	f := types.ServicesFile{Alerts: types.DefaultAlertConfig()}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return types.ServicesFile{}, types.Err(types.ErrInvalidConfig, err, "")
	}
	if err := f.Validate(); err != nil {
		return types.ServicesFile{}, err
	}
	return f, nil
}

// SNSClient builds an SNS client. A non empty endpoint points it at a local mock with static credentials.
func SNSClient(ctx context.Context, endpoint string) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			if o.Region == "" {
				o.Region = "us-east-1"
			}
			o.Credentials = credentials.NewStaticCredentialsProvider("test", "test", "")
		}
	}), nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
