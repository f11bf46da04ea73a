package models

import "time"

// UncategorizedLabel buckets usage for services with no registered credential
const UncategorizedLabel = "Uncategorized"

// APIKeyRecord represents a registered third-party service credential
type APIKeyRecord struct {
	ID               string     `json:"id"`
	ServiceName      string     `json:"service_name"`
	Category         string     `json:"category"`
	BaseURL          string     `json:"base_url,omitempty"`
	Key              string     `json:"key,omitempty"`
	IsActive         bool       `json:"is_active"`
	IsPrimary        bool       `json:"is_primary"`
	LastValidated    *time.Time `json:"last_validated,omitempty"`
	ValidationErrors []string   `json:"validation_errors"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// APIKeyView is the dashboard projection of a credential with the secret masked
type APIKeyView struct {
	ID               string     `json:"id"`
	ServiceName      string     `json:"service_name"`
	Category         string     `json:"category"`
	BaseURL          string     `json:"base_url,omitempty"`
	Masked           string     `json:"masked,omitempty"`
	IsConfigured     bool       `json:"is_configured"`
	IsActive         bool       `json:"is_active"`
	IsPrimary        bool       `json:"is_primary"`
	LastValidated    *time.Time `json:"last_validated,omitempty"`
	ValidationErrors []string   `json:"validation_errors"`
}

// RateLimitWindow tracks quota consumption for one service
type RateLimitWindow struct {
	ID           string    `json:"id"`
	ServiceName  string    `json:"service_name"`
	RequestLimit int64     `json:"request_limit"`
	RequestsUsed int64     `json:"requests_used"`
	ResetAt      time.Time `json:"reset_at"`
}

// Exhausted reports whether the window is bounded and fully consumed
func (w *RateLimitWindow) Exhausted() bool {
	return w.RequestLimit > 0 && w.RequestsUsed >= w.RequestLimit
}

// UsageLogEntry is one immutable call attempt
type UsageLogEntry struct {
	ID             int64     `json:"id"`
	ServiceName    string    `json:"service_name"`
	Category       string    `json:"category"`
	Success        bool      `json:"success"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FunctionMapping routes a logical function to a preferred and fallback service
type FunctionMapping struct {
	FunctionName     string    `json:"function_name"`
	PreferredService string    `json:"preferred_service"`
	FallbackService  string    `json:"fallback_service,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ServiceStats aggregates ledger entries for one service
type ServiceStats struct {
	Category        string  `json:"category"`
	Total           int64   `json:"total"`
	Success         int64   `json:"success"`
	Failed          int64   `json:"failed"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// CategoryStats sums the stats of the services in one category
type CategoryStats struct {
	Total           int64    `json:"total"`
	Success         int64    `json:"success"`
	Failed          int64    `json:"failed"`
	AvgResponseTime float64  `json:"avg_response_time"`
	Services        []string `json:"services"`
}

// UsageStats is the read-side projection served to the dashboard
type UsageStats struct {
	ByService   map[string]*ServiceStats  `json:"by_service"`
	ByCategory  map[string]*CategoryStats `json:"by_category"`
	RecentCalls []*UsageLogEntry          `json:"recent_calls"`
}

// ResolutionState is the outcome of resolving a function to a service
type ResolutionState string

const (
	Resolved     ResolutionState = "resolved"
	Exhausted    ResolutionState = "exhausted"
	Unconfigured ResolutionState = "unconfigured"
)

// Resolution tells a caller which service to call, if any
type Resolution struct {
	FunctionName string          `json:"function_name,omitempty"`
	State        ResolutionState `json:"state"`
	Service      string          `json:"service,omitempty"`
	Category     string          `json:"category,omitempty"`
	UsedFallback bool            `json:"used_fallback"`
	Reason       string          `json:"reason,omitempty"`
}

// Outcome is reported by callers after an external call completes
type Outcome struct {
	ServiceName    string `json:"service_name"`
	Category       string `json:"category"`
	Success        bool   `json:"success"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ValidationReport summarizes a credential validation sweep
type ValidationReport struct {
	Checked     int      `json:"checked"`
	Healthy     int      `json:"healthy"`
	Failed      int      `json:"failed"`
	Deactivated []string `json:"deactivated"`
}

// LoginRequest represents login credentials
type LoginRequest struct {
	Password string `json:"password"`
}

// CreateKeyRequest registers a new credential
type CreateKeyRequest struct {
	ServiceName string `json:"service_name"`
	Category    string `json:"category"`
	BaseURL     string `json:"base_url"`
	Key         string `json:"key"`
	IsActive    *bool  `json:"is_active"`
	IsPrimary   bool   `json:"is_primary"`
}

// SetActiveRequest toggles a credential
type SetActiveRequest struct {
	ServiceName string `json:"service_name"`
	Category    string `json:"category"`
	IsActive    bool   `json:"is_active"`
}

// SetPrimaryRequest promotes a credential to category primary
type SetPrimaryRequest struct {
	ServiceName string `json:"service_name"`
	Category    string `json:"category"`
}

// ResetRateLimitRequest identifies a window by id or service name
type ResetRateLimitRequest struct {
	RateLimitID string `json:"rate_limit_id"`
	ServiceName string `json:"service_name"`
}

// UpsertRateLimitRequest creates or adjusts a quota window
type UpsertRateLimitRequest struct {
	ServiceName  string     `json:"service_name"`
	RequestLimit int64      `json:"request_limit"`
	ResetAt      *time.Time `json:"reset_at"`
}

// UpsertMappingRequest creates or updates a function mapping
type UpsertMappingRequest struct {
	FunctionName     string `json:"function_name"`
	PreferredService string `json:"preferred_service"`
	FallbackService  string `json:"fallback_service"`
}

// ActionResult is returned by every mutating action
type ActionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}
