package catalog

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no agent matches.
var ErrNotFound = errors.New("agent not found")

// Agent is a registered upstream endpoint callers can pay to execute.
type Agent struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	Address     string          `json:"address"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Free reports whether executions of the agent skip payment.
func (a *Agent) Free() bool {
	return a.Price.IsZero()
}

// MissingFields lists the configuration the agent lacks to be executed.
// A payee address is required even for free agents.
func (a *Agent) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(a.URL) == "" {
		missing = append(missing, "url")
	}
	if strings.TrimSpace(a.Address) == "" {
		missing = append(missing, "address")
	}
	return missing
}

// CreateInput holds the fields required to register an agent.
type CreateInput struct {
	Name        string          `json:"name" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=2000"`
	URL         string          `json:"url" validate:"required,url"`
	Address     string          `json:"address" validate:"required,eth_addr"`
	Price       decimal.Decimal `json:"price"`
}
