// Package gate answers whether automated flows may act for a clinic.
// Every ambiguous state fails closed: a lookup error, a missing subscription
// row, or a malformed settings value all read as "do not act".
package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
	storagex "github.com/ohcarioca/health-agents-sub003/agent/storage"
)

// processableStatuses is the fixed set of subscription statuses automated
// flows may act on. Unknown or future statuses are denied by default.
var processableStatuses = map[string]struct{}{
	storagex.SubscriptionTrialing: {},
	storagex.SubscriptionActive:   {},
	storagex.SubscriptionPastDue:  {},
}

type Config struct {
	CacheTTL time.Duration `envconfig:"CACHE_TTL" split_words:"true" default:"30s"`
}

type cachedStatus struct {
	status    string
	found     bool
	expiresAt time.Time
}

type settingsKey struct {
	clinicID string
	module   contractx.ModuleType
}

type cachedSettings struct {
	settings  map[string]any
	found     bool
	expiresAt time.Time
}

// Gate is a read-through cache over clinic configuration. Safe for
// concurrent use; entries expire after the configured TTL.
type Gate struct {
	repo storagex.ClinicRepo
	ttl  time.Duration
	now  func() time.Time

	mu       sync.Mutex
	statuses map[string]cachedStatus
	settings map[settingsKey]cachedSettings
}

var _ contractx.Gate = (*Gate)(nil)

func New(repo storagex.ClinicRepo, cfg Config) (*Gate, error) {
	if repo == nil {
		return nil, errors.New("clinic repo is required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Gate{
		repo:     repo,
		ttl:      ttl,
		now:      time.Now,
		statuses: make(map[string]cachedStatus),
		settings: make(map[settingsKey]cachedSettings),
	}, nil
}

func (g *Gate) IsProcessable(ctx context.Context, clinicID string) bool {
	clinicID = strings.TrimSpace(clinicID)
	if clinicID == "" {
		return false
	}

	status, found, ok := g.subscriptionStatus(ctx, clinicID)
	if !ok || !found {
		return false
	}
	_, processable := processableStatuses[status]
	return processable
}

func (g *Gate) IsFeatureEnabled(ctx context.Context, clinicID string, module contractx.ModuleType, key string) bool {
	clinicID = strings.TrimSpace(clinicID)
	key = strings.TrimSpace(key)
	if clinicID == "" || key == "" {
		return false
	}

	ck := settingsKey{clinicID: clinicID, module: module}
	if entry, hit := g.cachedModuleSettings(ck); hit {
		if !entry.found {
			return false
		}
		return boolSetting(entry.settings, key)
	}

	settings, err := g.repo.ModuleSettings(ctx, clinicID, module)
	if err != nil {
		if errors.Is(err, storagex.ErrNotFound) {
			g.storeSettings(ck, nil, false)
			return false
		}
		// Lookup errors are not cached: the next call retries.
		log.Warn().Err(err).
			Str("clinic_id", clinicID).
			Str("module", string(module)).
			Msg("module settings lookup failed; feature treated as disabled")
		return false
	}

	g.storeSettings(ck, settings, true)
	return boolSetting(settings, key)
}

// ProcessableClinicIDs is the batch variant used by the cron orchestrator.
// A clinic whose status cannot be determined is silently dropped.
func (g *Gate) ProcessableClinicIDs(ctx context.Context, candidates []string) map[string]struct{} {
	result := make(map[string]struct{}, len(candidates))

	uncached := make([]string, 0, len(candidates))
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if entry, ok := g.cached(id); ok {
			if entry.found {
				if _, processable := processableStatuses[entry.status]; processable {
					result[id] = struct{}{}
				}
			}
			continue
		}
		uncached = append(uncached, id)
	}

	if len(uncached) == 0 {
		return result
	}

	statuses, err := g.repo.SubscriptionStatuses(ctx, uncached)
	if err != nil {
		log.Warn().Err(err).Int("clinics", len(uncached)).
			Msg("batch subscription lookup failed; uncached clinics treated as not processable")
		return result
	}

	for _, id := range uncached {
		status, found := statuses[id]
		g.store(id, status, found)
		if !found {
			continue
		}
		if _, processable := processableStatuses[status]; processable {
			result[id] = struct{}{}
		}
	}
	return result
}

func (g *Gate) subscriptionStatus(ctx context.Context, clinicID string) (status string, found bool, ok bool) {
	if entry, hit := g.cached(clinicID); hit {
		return entry.status, entry.found, true
	}

	status, err := g.repo.SubscriptionStatus(ctx, clinicID)
	if err != nil {
		if errors.Is(err, storagex.ErrNotFound) {
			g.store(clinicID, "", false)
			return "", false, true
		}
		log.Warn().Err(err).Str("clinic_id", clinicID).
			Msg("subscription lookup failed; clinic treated as not processable")
		return "", false, false
	}

	g.store(clinicID, status, true)
	return status, true, true
}

func (g *Gate) cached(clinicID string) (cachedStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.statuses[clinicID]
	if !ok || g.now().After(entry.expiresAt) {
		return cachedStatus{}, false
	}
	return entry, true
}

func (g *Gate) cachedModuleSettings(key settingsKey) (cachedSettings, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.settings[key]
	if !ok || g.now().After(entry.expiresAt) {
		return cachedSettings{}, false
	}
	return entry, true
}

func (g *Gate) storeSettings(key settingsKey, settings map[string]any, found bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.settings[key] = cachedSettings{
		settings:  settings,
		found:     found,
		expiresAt: g.now().Add(g.ttl),
	}
}

func (g *Gate) store(clinicID, status string, found bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.statuses[clinicID] = cachedStatus{
		status:    status,
		found:     found,
		expiresAt: g.now().Add(g.ttl),
	}
}

// boolSetting reads a boolean out of an open settings bag written by other
// components. Absent keys and unexpected shapes read as false, never error.
func boolSetting(settings map[string]any, key string) bool {
	if settings == nil {
		return false
	}
	switch v := settings[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || v == "1"
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}
