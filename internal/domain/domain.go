// Package domain defines the entities shared across the knowledge base
// engine: tenants, sites, documents, chunks, actions, manifests,
// structured entities, crawl sessions, and resource budgets.
package domain

import "time"

// Tenant owns any number of Sites. Every other entity carries a
// TenantID and is inaccessible across tenants.
type Tenant struct {
	ID        string
	Name      string
	APIKey    string
	Tier      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Site is the unit of crawling.
type Site struct {
	ID                string
	TenantID          string
	BaseURL           string
	AllowedOrigins    []string
	LatestSessionID   string
	Config            SiteConfig
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SiteConfig holds per-site crawl and retrieval defaults.
type SiteConfig struct {
	EmbeddingModel    string        `json:"embedding_model"`
	EmbeddingDim      int           `json:"embedding_dim"`
	Chunker           ChunkerConfig `json:"chunker"`
	TopK              int           `json:"top_k"`
	MinScore          float32       `json:"min_score"`
	FusionWeights     FusionWeights `json:"fusion_weights"`
	RespectRobots     bool          `json:"respect_robots_txt"`
	MaxDepth          int           `json:"max_depth"`
	MaxPages          int           `json:"max_pages"`
	UserAgent         string        `json:"user_agent"`
	DelayMS           int           `json:"delay_ms"`
}

// ChunkerConfig controls how Document content is split into Chunks.
type ChunkerConfig struct {
	Method     string `json:"method"` // semantic, fixed, sentence
	TargetSize int    `json:"target_size"`
	MaxSize    int    `json:"max_size"`
	Overlap    int    `json:"overlap"`
}

// FusionWeights are the per-strategy weights the RRF ranker uses.
type FusionWeights struct {
	Vector     float32 `json:"vector"`
	Fulltext   float32 `json:"fulltext"`
	Structured float32 `json:"structured"`
}

// DefaultFusionWeights is the stock strategy weighting: vector-heavy,
// with fulltext and structured boosts.
func DefaultFusionWeights() FusionWeights {
	return FusionWeights{Vector: 0.6, Fulltext: 0.3, Structured: 0.1}
}

// Document is a canonicalized URL for a Site.
type Document struct {
	ID                  string
	TenantID            string
	SiteID              string
	CanonicalURL        string
	Title               string
	Lastmod             *time.Time
	ETag                string
	LastModifiedHeader  string
	Locale              string
	ContentHash         string
	FetchedAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Chunk is a bounded-size semantic fragment of a Document.
type Chunk struct {
	ID             string
	TenantID       string
	SiteID         string
	DocumentID     string
	ChunkIndex     int
	Content        string
	CleanedContent string
	ContentHash    string
	TokenCount     int
	Locale         string
	Section        string
	Heading        string
	Selector       string
	Metadata       map[string]string
	Embedding      []float32
	CreatedAt      time.Time
}

// ActionKind is the closed tagged union of ActionDescriptor.Kind.
type ActionKind string

const (
	ActionNavigation ActionKind = "navigation"
	ActionForm       ActionKind = "form"
	ActionButton     ActionKind = "button"
	ActionAPI        ActionKind = "api"
	ActionCustom     ActionKind = "custom"
)

// SideEffect classifies how invoking an action affects server state.
type SideEffect string

const (
	SideEffectSafe  SideEffect = "safe"
	SideEffectRead  SideEffect = "read"
	SideEffectWrite SideEffect = "write"
)

// RiskLevel is the coarse danger classification of an action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActionParameter describes one input an ActionDescriptor accepts.
type ActionParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string, number, boolean, enum
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
}

// ActionDescriptor is a machine-executable interaction derived from the
// site's DOM.
type ActionDescriptor struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	Kind                 ActionKind        `json:"kind"`
	Description          string            `json:"description"`
	Selector             string            `json:"selector"`
	DocumentID           string            `json:"document_id"`
	Parameters           []ActionParameter `json:"parameters"`
	SideEffecting        SideEffect        `json:"side_effecting"`
	RiskLevel            RiskLevel         `json:"risk_level"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	RequiresAuth         bool              `json:"requires_auth"`
	JSONSchema           *JSONSchema       `json:"json_schema,omitempty"`
}

// SiteManifest is the per-site catalog of executable actions,
// capabilities, privacy, and security settings.
type SiteManifest struct {
	SiteID          string             `json:"site_id"`
	Version         int                `json:"version"`
	GeneratedAt     time.Time          `json:"generated_at"`
	Actions         []ActionDescriptor `json:"actions"`
	Capabilities    []string           `json:"capabilities"`
	SecuritySettings SecuritySettings  `json:"security_settings"`
	PrivacySettings  PrivacySettings   `json:"privacy_settings"`
}

// SecuritySettings describes allowed origins and request policy.
type SecuritySettings struct {
	AllowedOrigins  []string `json:"allowed_origins"`
	RequireHTTPS    bool     `json:"require_https"`
	RequireCSRF     bool     `json:"require_csrf"`
	AllowedMethods  []string `json:"allowed_methods"`
}

// PrivacySettings flags selectors carrying sensitive input.
type PrivacySettings struct {
	SensitiveSelectors []string `json:"sensitive_selectors"`
}

// StructuredEntity is a JSON-LD entity indexed alongside chunks for
// structured-query boosts.
type StructuredEntity struct {
	ID         string
	TenantID   string
	SiteID     string
	DocumentID string
	Type       string
	Properties map[string]any
	Confidence float32
	CreatedAt  time.Time
}

// SessionType distinguishes a full resync from an incremental one.
type SessionType string

const (
	SessionFull  SessionType = "full"
	SessionDelta SessionType = "delta"
)

// SessionState is CrawlSession's closed tagged union.
type SessionState string

const (
	SessionPending     SessionState = "pending"
	SessionDiscovering SessionState = "discovering"
	SessionFetching    SessionState = "fetching"
	SessionProcessing  SessionState = "processing"
	SessionDone        SessionState = "done"
	SessionFailed      SessionState = "failed"
)

// CrawlCounters tracks per-session outcome counts.
type CrawlCounters struct {
	URLsDiscovered int `json:"urls_discovered"`
	Fetched        int `json:"fetched"`
	Changed        int `json:"changed"`
	Unchanged      int `json:"unchanged"`
	Failed         int `json:"failed"`
	ChunksUpserted int `json:"chunks_upserted"`
	ChunksSkipped  int `json:"chunks_skipped"`
}

// CrawlSession is one attempt to (incrementally) synchronize a Site
// with its source.
type CrawlSession struct {
	ID           string
	TenantID     string
	SiteID       string
	Type         SessionType
	State        SessionState
	FailReason   string
	Counters     CrawlCounters
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
}

// BudgetDimension is the closed union of tracked quota types.
type BudgetDimension string

const (
	BudgetTokens       BudgetDimension = "tokens"
	BudgetActions      BudgetDimension = "actions"
	BudgetAPICalls     BudgetDimension = "api_calls"
	BudgetVoiceMinutes BudgetDimension = "voice_minutes"
	BudgetStorage      BudgetDimension = "storage"
)

// BudgetLimits holds the ceiling for each dimension.
type BudgetLimits struct {
	TokensPerMonth    int64 `json:"tokens_per_month"`
	ActionsPerDay     int64 `json:"actions_per_day"`
	APICallsPerHour   int64 `json:"api_calls_per_hour"`
	VoiceMinutesMonth int64 `json:"voice_minutes_per_month"`
	StorageBytes      int64 `json:"storage_bytes"`
}

// BudgetUsage holds the cumulative counters (or, for storage, the
// high-water gauge) for each dimension.
type BudgetUsage struct {
	Tokens       int64 `json:"tokens"`
	Actions      int64 `json:"actions"`
	APICalls     int64 `json:"api_calls"`
	VoiceMinutes int64 `json:"voice_minutes"`
	Storage      int64 `json:"storage"`
}

// ResetDates tracks the next reset boundary for each windowed dimension.
type ResetDates struct {
	TokensResetAt       time.Time `json:"tokens_reset_at"`
	ActionsResetAt      time.Time `json:"actions_reset_at"`
	APICallsResetAt     time.Time `json:"api_calls_reset_at"`
	VoiceMinutesResetAt time.Time `json:"voice_minutes_reset_at"`
}

// OveragePolicy controls what happens past a dimension's limit.
type OveragePolicy struct {
	Allow     bool            `json:"allow"`
	UnitCosts map[string]float64 `json:"unit_costs"`
}

// ResourceBudget is the per-(tenantId, siteId) quota record.
type ResourceBudget struct {
	TenantID      string
	SiteID        string
	Limits        BudgetLimits
	Usage         BudgetUsage
	ResetDates    ResetDates
	OveragePolicy OveragePolicy
	UpdatedAt     time.Time
}

// JSONSchema is a minimal Draft 2020-12-shaped schema, enough to
// describe ActionDescriptor parameter lists. See DESIGN.md for why
// this is hand-written instead of built with a schema library.
type JSONSchema struct {
	Schema     string                 `json:"$schema,omitempty"`
	Type       string                 `json:"type"`
	Properties map[string]*JSONSchema `json:"properties,omitempty"`
	Items      *JSONSchema            `json:"items,omitempty"`
	Enum       []string               `json:"enum,omitempty"`
	Pattern    string                 `json:"pattern,omitempty"`
	Required   []string               `json:"required,omitempty"`
	Description string                `json:"description,omitempty"`
}
