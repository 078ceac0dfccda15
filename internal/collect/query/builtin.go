package query

import "time"

const (
	day  = 24 * time.Hour
	hour = time.Hour
)

// Builtin returns the stock query definitions. Statements use :name
// placeholders and only portable SQL; time bounds arrive as the :since bind
// computed from a lookback argument.
func Builtin() []Definition {
	return []Definition{
		{
			Name:        "user_account_info",
			Description: "Account record by user id, username or email",
			Params: []Param{
				{Name: "user_id", Type: TypeString, Max: 128},
				{Name: "email", Type: TypeString, Max: 320},
			},
			AnyOf: []string{"user_id", "email"},
			SQL: `SELECT id, email, username, first_name, last_name,
       created_at, last_login, is_active, is_verified,
       account_type, subscription_status
FROM users
WHERE (:user_id <> '' AND (CAST(id AS TEXT) = :user_id OR username = :user_id))
   OR (:email <> '' AND LOWER(email) = LOWER(:email))`,
		},
		{
			Name:        "user_transactions",
			Description: "Recent transactions for a user",
			Params: []Param{
				{Name: "user_id", Type: TypeString, Required: true, Max: 128},
				{Name: "days_back", Type: TypeInt, Default: 30, Min: 1, Lookback: day},
			},
			SQL: `SELECT t.id, t.user_id, t.transaction_type, t.amount,
       t.currency, t.status, t.created_at, t.updated_at,
       t.description, t.reference_id, t.gateway_response
FROM transactions t
WHERE CAST(t.user_id AS TEXT) = :user_id AND t.created_at >= :since
ORDER BY t.created_at DESC`,
		},
		{
			Name:        "system_errors",
			Description: "System errors, optionally filtered by error type",
			Params: []Param{
				{Name: "hours_back", Type: TypeInt, Default: 24, Min: 1, Lookback: hour},
				{Name: "error_type", Type: TypeString, Max: 128},
			},
			SQL: `SELECT e.id, e.error_type, e.error_message, e.stack_trace,
       e.user_id, e.request_id, e.created_at, e.resolved_at,
       e.severity, e.component, e.environment
FROM system_errors e
WHERE e.created_at >= :since
  AND (:error_type = '' OR LOWER(e.error_type) = LOWER(:error_type))
ORDER BY e.created_at DESC`,
		},
		{
			Name:        "feature_usage",
			Description: "Feature usage statistics for a user",
			Params: []Param{
				{Name: "user_id", Type: TypeString, Required: true, Max: 128},
				{Name: "feature", Type: TypeString, Max: 128},
				{Name: "days_back", Type: TypeInt, Default: 7, Min: 1, Lookback: day},
			},
			SQL: `SELECT u.feature_name, u.user_id, u.usage_count,
       u.first_used, u.last_used, u.total_time_spent
FROM feature_usage u
WHERE CAST(u.user_id AS TEXT) = :user_id AND u.last_used >= :since
  AND (:feature = '' OR LOWER(u.feature_name) = LOWER(:feature))
ORDER BY u.usage_count DESC, u.last_used DESC`,
		},
		{
			Name:        "configuration_settings",
			Description: "Per-user configuration settings",
			Params: []Param{
				{Name: "user_id", Type: TypeString, Required: true, Max: 128},
			},
			SQL: `SELECT c.setting_key, c.setting_value, c.category,
       c.created_at, c.updated_at, c.is_default
FROM user_configurations c
WHERE CAST(c.user_id AS TEXT) = :user_id
ORDER BY c.category, c.setting_key`,
		},
		{
			Name:        "user_sessions",
			Description: "Recent login sessions for a user",
			Params: []Param{
				{Name: "user_id", Type: TypeString, Required: true, Max: 128},
				{Name: "days_back", Type: TypeInt, Default: 7, Min: 1, Lookback: day},
			},
			SQL: `SELECT s.session_id, s.user_id, s.ip_address, s.user_agent,
       s.created_at, s.expires_at, s.is_active, s.last_activity
FROM user_sessions s
WHERE CAST(s.user_id AS TEXT) = :user_id AND s.created_at >= :since
ORDER BY s.created_at DESC`,
		},
		{
			Name:        "api_usage",
			Description: "Recent API calls made by a user",
			Params: []Param{
				{Name: "user_id", Type: TypeString, Required: true, Max: 128},
				{Name: "hours_back", Type: TypeInt, Default: 24, Min: 1, Lookback: hour},
			},
			SQL: `SELECT a.endpoint, a.method, a.user_id, a.status_code,
       a.response_time, a.created_at, a.request_size,
       a.response_size, a.ip_address
FROM api_logs a
WHERE CAST(a.user_id AS TEXT) = :user_id AND a.created_at >= :since
ORDER BY a.created_at DESC`,
		},
		{
			Name:        "user_notifications",
			Description: "Notifications sent to a user",
			Params: []Param{
				{Name: "user_id", Type: TypeString, Required: true, Max: 128},
				{Name: "days_back", Type: TypeInt, Default: 7, Min: 1, Lookback: day},
			},
			SQL: `SELECT n.id, n.user_id, n.type, n.title, n.message,
       n.is_read, n.created_at, n.read_at, n.priority
FROM notifications n
WHERE CAST(n.user_id AS TEXT) = :user_id AND n.created_at >= :since
ORDER BY n.created_at DESC`,
		},
		{
			Name:        "payment_issues",
			Description: "Failed or declined payments for a user",
			Params: []Param{
				{Name: "user_id", Type: TypeString, Required: true, Max: 128},
				{Name: "days_back", Type: TypeInt, Default: 30, Min: 1, Lookback: day},
			},
			SQL: `SELECT p.id, p.user_id, p.payment_method, p.amount, p.currency,
       p.status, p.failure_reason, p.gateway_error, p.created_at,
       p.updated_at, p.retry_count
FROM payments p
WHERE CAST(p.user_id AS TEXT) = :user_id AND p.created_at >= :since
  AND p.status IN ('failed', 'declined', 'error')
ORDER BY p.created_at DESC`,
		},
	}
}
