package resolver

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mtandao/hotspot/pkg/store"
)

// PlaceholderPrefix marks synthesized, locally-administered MAC addresses
// assigned before a subscriber's real device address is learned. Addresses in
// this space are never written back as if they were real hardware.
const PlaceholderPrefix = "02:00:5E"

const (
	// recentWindow bounds rule 2: partial-identity matches only apply to
	// subscribers created moments ago,  typically by a voucher redemption
	// that has not yet seen its first connection.
	recentWindow = 30 * time.Minute
	// fuzzyWindow bounds rule 4's looser username matching.
	fuzzyWindow = 24 * time.Hour

	usernameMaxLen = 30
)

// Rule names reported back to the caller for observability.
const (
	RulePairingToken  = "pairing_token"
	RuleRecentPartial = "recent_partial"
	RuleExactUsername = "exact_username"
	RuleFuzzyUsername = "fuzzy_username"
	RuleCreated       = "created"
	RuleIgnored       = "ignored"
)

var ErrInvalidMAC = errors.New("invalid mac address")

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Report is one connect event from the access point.
type Report struct {
	Identifier   string // hostname or username hint
	DetectedMAC  string
	IPAddress    string
	Phone        string
	PairingToken string
}

// Result states which rule bound the report and what changed.
type Result struct {
	Rule          string            `json:"rule"`
	Subscriber    *store.Subscriber `json:"subscriber,omitempty"`
	Created       bool              `json:"created"`
	MACIgnored    bool              `json:"mac_ignored"`
	SessionOpened bool              `json:"session_opened"`
	SessionID     uint              `json:"session_id,omitempty"`
}

// Resolver pins down subscriber identity from untrusted connection reports.
// Rules run in strict priority order and the first match wins; that ordering
// is part of the contract with the captive portal.
type Resolver struct {
	db     *gorm.DB
	hasher TokenHasher
	log    zerolog.Logger
}

func New(db *gorm.DB, hasher TokenHasher, log zerolog.Logger) *Resolver {
	return &Resolver{db: db, hasher: hasher, log: log.With().Str("component", "resolver").Logger()}
}

type rule struct {
	name  string
	match func(r *Resolver, report Report, now time.Time) (*store.Subscriber, error)
}

var rules = []rule{
	{RulePairingToken, (*Resolver).matchPairingToken},
	{RuleRecentPartial, (*Resolver).matchRecentPartial},
	{RuleExactUsername, (*Resolver).matchExactUsername},
	{RuleFuzzyUsername, (*Resolver).matchFuzzyUsername},
}

// Resolve binds a connection report to a subscriber, creating one when no
// rule matches, then learns the reported MAC and opens or activates an
// access session if the subscriber is currently entitled.
func (r *Resolver) Resolve(report Report) (*Result, error) {
	mac := strings.ToUpper(strings.TrimSpace(report.DetectedMAC))
	if mac != "" && !macPattern.MatchString(mac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, report.DetectedMAC)
	}
	if IsPlaceholder(mac) {
		r.log.Debug().Str("mac", mac).Msg("Placeholder address reported, ignoring")
		return &Result{Rule: RuleIgnored, MACIgnored: true}, nil
	}
	report.DetectedMAC = mac

	now := time.Now().UTC()
	var matched *store.Subscriber
	var matchedRule string
	for _, rl := range rules {
		sub, err := rl.match(r, report, now)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rl.name, err)
		}
		if sub != nil {
			matched, matchedRule = sub, rl.name
			break
		}
	}

	result := &Result{Rule: matchedRule}
	if matched == nil {
		created, err := r.createSubscriber(report)
		if err != nil {
			return nil, err
		}
		matched = created
		result.Rule = RuleCreated
		result.Created = true
	}

	if err := r.learnMAC(matched, report, result.Rule == RulePairingToken); err != nil {
		return nil, err
	}
	result.Subscriber = matched

	if mac != "" {
		opened, sessionID, err := r.syncSession(matched, report, now)
		if err != nil {
			r.log.Warn().Err(err).Uint("subscriber_id", matched.ID).Msg("Session sync failed")
		} else {
			result.SessionOpened = opened
			result.SessionID = sessionID
		}
	}

	r.log.Info().Str("rule", result.Rule).Uint("subscriber_id", matched.ID).
		Str("mac", mac).Bool("created", result.Created).Msg("Connection report resolved")
	return result, nil
}

// Rule 1: an unexpired pairing token binds unambiguously and is consumed.
func (r *Resolver) matchPairingToken(report Report, now time.Time) (*store.Subscriber, error) {
	if report.PairingToken == "" {
		return nil, nil
	}
	var sub store.Subscriber
	err := r.db.Where("pairing_token_hash = ? AND pairing_token_until > ?",
		r.hasher.HashString(report.PairingToken), now).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Rule 2: subscribers created within the recent window that still carry a
// placeholder MAC, matched by phone equality or hostname-derived username
// prefix.
func (r *Resolver) matchRecentPartial(report Report, now time.Time) (*store.Subscriber, error) {
	if report.Phone == "" && report.Identifier == "" {
		return nil, nil
	}
	var candidates []store.Subscriber
	err := r.db.Where("mac_is_temporary = ? AND created_at > ?", true, now.Add(-recentWindow)).
		Order("created_at desc").Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	cleaned := CleanUsername(report.Identifier)
	for i := range candidates {
		c := &candidates[i]
		if report.Phone != "" && c.Phone != nil && *c.Phone == report.Phone {
			return c, nil
		}
		if cleaned != "" && c.Username != "" &&
			(strings.HasPrefix(cleaned, c.Username) || strings.HasPrefix(c.Username, cleaned)) {
			return c, nil
		}
	}
	return nil, nil
}

// Rule 3: exact username match on the cleaned hostname.
func (r *Resolver) matchExactUsername(report Report, _ time.Time) (*store.Subscriber, error) {
	cleaned := CleanUsername(report.Identifier)
	if cleaned == "" {
		return nil, nil
	}
	var sub store.Subscriber
	err := r.db.Where("username = ?", cleaned).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Rule 4: fuzzy prefix/substring match, restricted to placeholder-MAC
// subscribers seen within the fuzzy window. Newest candidate wins.
func (r *Resolver) matchFuzzyUsername(report Report, now time.Time) (*store.Subscriber, error) {
	cleaned := CleanUsername(report.Identifier)
	if len(cleaned) < 4 {
		return nil, nil
	}
	var candidates []store.Subscriber
	err := r.db.Where("mac_is_temporary = ? AND created_at > ?", true, now.Add(-fuzzyWindow)).
		Order("created_at desc").Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		if c.Username == "" {
			continue
		}
		if strings.Contains(cleaned, c.Username) || strings.Contains(c.Username, cleaned) {
			return c, nil
		}
	}
	return nil, nil
}

func (r *Resolver) createSubscriber(report Report) (*store.Subscriber, error) {
	username := CleanUsername(report.Identifier)
	if username == "" {
		username = "guest_" + randomSuffix(6)
	}
	sub := store.Subscriber{
		Username:       username,
		Secret:         randomSecret(8),
		DeviceName:     report.Identifier,
		MACAddress:     PlaceholderMAC(),
		MACIsTemporary: true,
	}
	if report.Phone != "" {
		phone := report.Phone
		sub.Phone = &phone
	}
	if err := r.db.Create(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Username taken: fall back to a synthesized one.
			sub.Username = "guest_" + randomSuffix(6)
			if err := r.db.Create(&sub).Error; err != nil {
				return nil, fmt.Errorf("create subscriber: %w", err)
			}
		} else {
			return nil, fmt.Errorf("create subscriber: %w", err)
		}
	}
	return &sub, nil
}

// learnMAC overwrites the subscriber's address with the reported one and
// drops the temporary flag. Pairing tokens are single use and cleared on
// consumption. The overwrite is last-write-wins, so near-simultaneous
// reports for the same device converge on the same real address.
func (r *Resolver) learnMAC(sub *store.Subscriber, report Report, consumeToken bool) error {
	updates := map[string]interface{}{}
	if report.DetectedMAC != "" && report.DetectedMAC != sub.MACAddress {
		updates["mac_address"] = report.DetectedMAC
		updates["mac_is_temporary"] = false
		sub.MACAddress = report.DetectedMAC
		sub.MACIsTemporary = false
	} else if report.DetectedMAC != "" && sub.MACIsTemporary {
		updates["mac_is_temporary"] = false
		sub.MACIsTemporary = false
	}
	if consumeToken {
		updates["pairing_token_hash"] = ""
		updates["pairing_token_until"] = nil
		sub.PairingTokenHash = ""
		sub.PairingTokenUntil = nil
	}
	if len(updates) == 0 {
		return nil
	}
	return r.db.Model(sub).Updates(updates).Error
}

// syncSession opens a session for the subscriber's active subscription, or
// refreshes the open one with the newly learned MAC/IP and flips PENDING to
// ACTIVE now that the device has been observed on the network.
func (r *Resolver) syncSession(sub *store.Subscriber, report Report, now time.Time) (bool, uint, error) {
	var active store.Subscription
	err := r.db.Where("subscriber_id = ? AND status = ? AND end_time > ?",
		sub.ID, store.SubscriptionActive, now).Order("end_time desc").First(&active).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	var session store.AccessSession
	err = r.db.Where("subscription_id = ? AND ended_at IS NULL", active.ID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		session = store.AccessSession{
			SubscriberID:   sub.ID,
			SubscriptionID: active.ID,
			MACAddress:     report.DetectedMAC,
			IPAddress:      report.IPAddress,
			Status:         store.SessionActive,
			StartedAt:      now,
		}
		if err := r.db.Create(&session).Error; err != nil {
			return false, 0, err
		}
		return true, session.ID, nil
	}
	if err != nil {
		return false, 0, err
	}

	updates := map[string]interface{}{
		"mac_address": report.DetectedMAC,
		"status":      store.SessionActive,
	}
	if report.IPAddress != "" {
		updates["ip_address"] = report.IPAddress
	}
	if err := r.db.Model(&session).Updates(updates).Error; err != nil {
		return false, 0, err
	}
	return false, session.ID, nil
}

// IssuePairingToken mints a short-lived single-use token for a subscriber,
// stored hashed. The raw token is handed to the captive portal so the next
// connection report can bind without heuristics.
func (r *Resolver) IssuePairingToken(subscriberID uint, ttl time.Duration) (string, error) {
	raw := uuid.NewString()
	until := time.Now().UTC().Add(ttl)
	err := r.db.Model(&store.Subscriber{}).Where("id = ?", subscriberID).Updates(map[string]interface{}{
		"pairing_token_hash":  r.hasher.HashString(raw),
		"pairing_token_until": until,
	}).Error
	if err != nil {
		return "", err
	}
	return raw, nil
}

// IsPlaceholder reports whether the address sits in the reserved
// locally-administered space used for synthesized MACs.
func IsPlaceholder(mac string) bool {
	return strings.HasPrefix(strings.ToUpper(mac), PlaceholderPrefix)
}

// PlaceholderMAC synthesizes a fresh address in the reserved prefix.
func PlaceholderMAC() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return PlaceholderPrefix + ":00:00:00"
	}
	return fmt.Sprintf("%s:%02X:%02X:%02X", PlaceholderPrefix, b[0], b[1], b[2])
}

// CleanUsername lowercases a raw hostname and strips everything outside
// [a-z0-9-_], capping the length the credential store accepts.
func CleanUsername(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, ch := range lowered {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '-' || ch == '_' {
			b.WriteRune(ch)
		}
	}
	cleaned := b.String()
	if len(cleaned) > usernameMaxLen {
		cleaned = cleaned[:usernameMaxLen]
	}
	return cleaned
}

func randomSuffix(n int) string {
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)[:n]
}

func randomSecret(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(fmt.Sprint(time.Now().UnixNano())))[:n]
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}
