package store

import "time"

// Subscriber is the identity record for one customer device/person. Username
// and MAC fields are owned by the resolver; everything else is written once at
// creation.
type Subscriber struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	Phone             *string    `gorm:"uniqueIndex" json:"phone,omitempty"`
	Username          string     `gorm:"uniqueIndex" json:"username"`
	Secret            string     `json:"-"`
	DeviceName        string     `json:"device_name,omitempty"`
	MACAddress        string     `gorm:"index" json:"mac_address"`
	MACIsTemporary    bool       `json:"mac_is_temporary"`
	PairingTokenHash  string     `gorm:"index" json:"-"`
	PairingTokenUntil *time.Time `json:"-"`
	Blocked           bool       `json:"blocked"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Plan is a catalog entry. Read-only to the engine.
type Plan struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"uniqueIndex" json:"name"`
	DurationUnit  string    `json:"duration_unit"` // MINUTE, HOUR, DAY, WEEK, MONTH
	DurationValue int       `json:"duration_value"`
	PriceKES      int       `json:"price_kes"`
	RateLimit     string    `json:"rate_limit"` // e.g. "10M/10M"
	CreatedAt     time.Time `json:"created_at"`
}

// Subscription statuses.
const (
	SubscriptionActive   = "ACTIVE"
	SubscriptionExpired  = "EXPIRED"
	SubscriptionCanceled = "CANCELED"
)

// Subscription is the entitlement record. EndTime is computed once at
// activation and never rewritten.
type Subscription struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubscriberID uint      `gorm:"index" json:"subscriber_id"`
	PlanID       uint      `gorm:"index" json:"plan_id"`
	PaymentID    *uint     `gorm:"uniqueIndex" json:"payment_id,omitempty"`
	VoucherID    *uint     `gorm:"uniqueIndex" json:"voucher_id,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `gorm:"index" json:"end_time"`
	Status       string    `gorm:"index" json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Payment statuses.
const (
	PaymentPending = "PENDING"
	PaymentSuccess = "SUCCESS"
	PaymentFailed  = "FAILED"
)

// Payment records one checkout attempt against the payment gateway.
type Payment struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	SubscriberID      uint      `gorm:"index" json:"subscriber_id"`
	PlanID            uint      `json:"plan_id"`
	AmountKES         int       `json:"amount_kes"`
	Status            string    `gorm:"index" json:"status"`
	CheckoutRequestID string    `gorm:"uniqueIndex" json:"checkout_request_id"`
	MerchantRequestID string    `json:"merchant_request_id"`
	ReceiptCode       string    `json:"receipt_code"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Voucher statuses. Transitions are one-way: UNUSED->USED via redemption,
// UNUSED->EXPIRED via sweep. USED and EXPIRED are terminal.
const (
	VoucherUnused  = "UNUSED"
	VoucherUsed    = "USED"
	VoucherExpired = "EXPIRED"
)

// Voucher is a one-time access code tied to a plan.
type Voucher struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Code           string     `gorm:"uniqueIndex" json:"code"`
	PlanID         uint       `gorm:"index" json:"plan_id"`
	Status         string     `gorm:"index" json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	UsedBy         *uint      `json:"used_by,omitempty"`
	SubscriptionID *uint      `json:"subscription_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RadCheck is the credential row the access point authenticates against.
type RadCheck struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Username  string `gorm:"index" json:"username"`
	Attribute string `json:"attribute"`
	Op        string `json:"op"`
	Value     string `json:"value"`
}

// RadReply carries reply attributes (rate limit, session timeout) returned to
// the access point after a successful check.
type RadReply struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Username  string `gorm:"index" json:"username"`
	Attribute string `json:"attribute"`
	Op        string `json:"op"`
	Value     string `json:"value"`
}

// AccessSession statuses.
const (
	SessionPending  = "PENDING"
	SessionActive   = "ACTIVE"
	SessionInactive = "INACTIVE"
)

// AccessSession records one grant-to-revoke window for a subscriber and
// subscription. EndedAt stays null while the session is open.
type AccessSession struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	SubscriberID    uint       `gorm:"index" json:"subscriber_id"`
	SubscriptionID  uint       `gorm:"index" json:"subscription_id"`
	MACAddress      string     `gorm:"index" json:"mac_address"`
	IPAddress       string     `json:"ip_address"`
	Status          string     `gorm:"index" json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	BytesIn         int64      `json:"bytes_in"`
	BytesOut        int64      `json:"bytes_out"`
}
