package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/scheduling.txt
	schedulingRaw string

	//go:embed template/billing.txt
	billingRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Scheduling string
	Billing    string
}

// LoadPromptSet returns the embedded prompts, trimmed. Safe to call
// concurrently.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Scheduling: strings.TrimSpace(schedulingRaw),
		Billing:    strings.TrimSpace(billingRaw),
	}
}
