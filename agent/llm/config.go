package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
	openrouterx "github.com/ohcarioca/health-agents-sub003/pkg/openrouter"
)

// Config selects the chat model per module, with a shared default.
type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.3"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	SchedulingModel       string  `envconfig:"SCHEDULING_MODEL" split_words:"true"`
	BillingModel          string  `envconfig:"BILLING_MODEL" split_words:"true"`
	SchedulingTemperature float32 `envconfig:"SCHEDULING_TEMPERATURE" split_words:"true" default:"-1"`
	BillingTemperature    float32 `envconfig:"BILLING_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

// OpenRouterDefault is the shared model config with no per-module override.
func (c Config) OpenRouterDefault() openrouterx.Config {
	return c.OpenRouterFor("")
}

func (c Config) OpenRouterFor(module contractx.ModuleType) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	switch module {
	case contractx.ModuleScheduling:
		if v := strings.TrimSpace(c.SchedulingModel); v != "" {
			modelName = v
		}
		if c.SchedulingTemperature >= 0 {
			temp = c.SchedulingTemperature
		}
	case contractx.ModuleBilling:
		if v := strings.TrimSpace(c.BillingModel); v != "" {
			modelName = v
		}
		if c.BillingTemperature >= 0 {
			temp = c.BillingTemperature
		}
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
