package server

// Route path constants
const (
	// Handshake
	RouteAuthInit   = "/auth/init"
	RouteAuthStatus = "/auth/status/{code}"
	RouteAuthVerify = "/auth/verify"
	RouteAuthLogout = "/auth/logout"

	// Chat API
	RouteConversations        = "/api/conversations"
	RouteConversationMessages = "/api/conversations/{id}/messages"
	RouteUsage                = "/api/usage"

	// Messaging callback
	RouteTelegramWebhook = "/telegram/webhook/{secret}"

	// Operations
	RouteHealth  = "/healthz"
	RouteMetrics = "/metrics"
)
