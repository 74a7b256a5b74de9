package models

import "time"

// DetectionMethod names the strategy that decided a login verdict
type DetectionMethod string

const (
	MethodDOMIndicator   DetectionMethod = "dom_indicator"
	MethodLoginButton    DetectionMethod = "login_button"
	MethodGenericPattern DetectionMethod = "generic_pattern"
	MethodCookie         DetectionMethod = "cookie"
	MethodStorage        DetectionMethod = "storage"
	MethodAPICheck       DetectionMethod = "api_check"
	MethodURLShape       DetectionMethod = "url_shape"
	MethodNone           DetectionMethod = "none"
	MethodError          DetectionMethod = "error"
)

// LoginSignal is the verdict of one detection strategy
type LoginSignal struct {
	Method     DetectionMethod `json:"method"`
	LoggedIn   bool            `json:"logged_in"`
	Confidence int             `json:"confidence"`
	Detail     string          `json:"detail,omitempty"`
	Username   string          `json:"username,omitempty"`
}

// LoginStatus is the combined verdict for an instance. It is a hint, never authoritative.
type LoginStatus struct {
	InstanceID string          `json:"instance_id"`
	Platform   string          `json:"platform"`
	IsLoggedIn bool            `json:"is_logged_in"`
	LoginUser  string          `json:"login_user,omitempty"`
	Method     DetectionMethod `json:"method"`
	Confidence int             `json:"confidence"`
	CheckedAt  time.Time       `json:"checked_at"`
	Signals    []LoginSignal   `json:"signals,omitempty"`
}

// ExplicitNegative reports a decided not-logged-in verdict, as opposed to an inconclusive one
func (s *LoginStatus) ExplicitNegative() bool {
	return !s.IsLoggedIn && s.Method != MethodNone && s.Method != MethodError && s.Confidence > 0
}

// Cookie is a driver-neutral browser cookie
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"` // unix seconds, 0 = session cookie
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"same_site,omitempty"` // Strict, Lax, None
}

// StorageKind selects window.localStorage or window.sessionStorage
type StorageKind string

const (
	LocalStorage   StorageKind = "localStorage"
	SessionStorage StorageKind = "sessionStorage"
)

// SavedLoginSession is the captured state used to resume an authenticated session
type SavedLoginSession struct {
	ID                 string            `json:"id" badgerhold:"key"`
	SessionID          string            `json:"session_id" badgerhold:"index"`
	Platform           string            `json:"platform"`
	Cookies            []Cookie          `json:"cookies"`
	LocalStorage       map[string]string `json:"local_storage"`
	SessionStorage     map[string]string `json:"session_storage"`
	LastURL            string            `json:"last_url"`
	LoginUser          string            `json:"login_user,omitempty"`
	Confidence         int               `json:"confidence"`
	SavedAt            time.Time         `json:"saved_at"`
	RestoreCount       int               `json:"restore_count"`
	LastRestoreAt      time.Time         `json:"last_restore_at,omitempty"`
	RestoreFailed      bool              `json:"restore_failed"`
	FailedRestoreCount int               `json:"failed_restore_count"`
}

// RestoreResult describes one restoration attempt
type RestoreResult struct {
	Restored        bool         `json:"restored"`
	SavedSessionID  string       `json:"saved_session_id,omitempty"`
	CookiesApplied  int          `json:"cookies_applied"`
	StorageApplied  int          `json:"storage_applied"`
	LandedURL       string       `json:"landed_url,omitempty"`
	UsedFallbackURL bool         `json:"used_fallback_url"`
	Attempts        int          `json:"attempts"`
	Status          *LoginStatus `json:"status,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}
