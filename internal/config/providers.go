package config

import (
	"errors"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DefaultEsewaVerifyURL     = "https://uat.esewa.com.np/epay/transrec"
	DefaultEsewaSuccessMarker = "Success"
	DefaultEsewaTimeout       = 5 * time.Second
	DefaultStripeTolerance    = 300 * time.Second
)

// ProviderSettings are the provider tunables that can change without a restart.
// Secrets never live here.
type ProviderSettings struct {
	Esewa  EsewaSettings  `mapstructure:"esewa"`
	Stripe StripeSettings `mapstructure:"stripe"`
}

type EsewaSettings struct {
	VerifyURL     string        `mapstructure:"verifyURL"`
	SuccessMarker string        `mapstructure:"successMarker"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type StripeSettings struct {
	// Tolerance bounds the age of a signed timestamp. Zero disables the check.
	Tolerance time.Duration `mapstructure:"tolerance"`
}

func DefaultProviderSettings() ProviderSettings {
	return ProviderSettings{
		Esewa: EsewaSettings{
			VerifyURL:     DefaultEsewaVerifyURL,
			SuccessMarker: DefaultEsewaSuccessMarker,
			Timeout:       DefaultEsewaTimeout,
		},
		Stripe: StripeSettings{
			Tolerance: DefaultStripeTolerance,
		},
	}
}

// ProviderSettingsHolder serves the latest valid ProviderSettings.
type ProviderSettingsHolder struct {
	current atomic.Value // holds ProviderSettings
}

// NewStaticProviderSettingsHolder returns a holder that never reloads.
func NewStaticProviderSettingsHolder(settings ProviderSettings) *ProviderSettingsHolder {
	holder := &ProviderSettingsHolder{}
	holder.current.Store(settings)
	return holder
}

func NewProviderSettingsHolder(cfg Config, log *zap.Logger) (*ProviderSettingsHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.providers")

	v := viper.New()
	if cfg.ProviderSettingsPath != "" {
		v.SetConfigFile(cfg.ProviderSettingsPath)
	} else {
		v.SetConfigName("providers")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tsumshop")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TSUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultProviderSettings()
	v.SetDefault("providers.esewa.verifyURL", defaults.Esewa.VerifyURL)
	v.SetDefault("providers.esewa.successMarker", defaults.Esewa.SuccessMarker)
	v.SetDefault("providers.esewa.timeout", defaults.Esewa.Timeout)
	v.SetDefault("providers.stripe.tolerance", defaults.Stripe.Tolerance)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	settings, err := decodeProviderSettings(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticProviderSettingsHolder(settings)
	if !fileLoaded {
		log.Info("provider settings file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeProviderSettings(v)
		if err != nil {
			log.Warn("provider settings reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("provider settings reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *ProviderSettingsHolder) Get() ProviderSettings {
	return h.current.Load().(ProviderSettings)
}

func decodeProviderSettings(v *viper.Viper) (ProviderSettings, error) {
	// Unmarshal walks AllSettings, so defaults fill keys the file omits.
	var wrapper struct {
		Providers ProviderSettings `mapstructure:"providers"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return ProviderSettings{}, err
	}
	settings := wrapper.Providers
	settings.Esewa.VerifyURL = strings.TrimSpace(settings.Esewa.VerifyURL)
	if err := ValidateProviderSettings(settings); err != nil {
		return ProviderSettings{}, err
	}
	return settings, nil
}

func ValidateProviderSettings(settings ProviderSettings) error {
	if settings.Esewa.VerifyURL == "" {
		return errors.New("providers.esewa.verifyURL cannot be empty")
	}
	parsed, err := url.Parse(settings.Esewa.VerifyURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("providers.esewa.verifyURL must be an absolute url")
	}
	if settings.Esewa.SuccessMarker == "" {
		return errors.New("providers.esewa.successMarker cannot be empty")
	}
	if settings.Esewa.Timeout <= 0 {
		return errors.New("providers.esewa.timeout must be positive")
	}
	if settings.Stripe.Tolerance < 0 {
		return errors.New("providers.stripe.tolerance cannot be negative")
	}
	return nil
}
