package server

func (s *Server) initRoutes() {
	api := s.APIMiddleware

	// Handshake
	s.RegisterRouteHandler("POST "+RouteAuthInit, ChainMiddleware(s.AuthInitHandler(), api(s.RateLimitMiddleware(s.config.GetAuthInitRatePerMinute()))...))
	s.RegisterRouteHandler("GET "+RouteAuthStatus, ChainMiddleware(s.AuthStatusHandler(), api()...))
	s.RegisterRouteHandler("GET "+RouteAuthVerify, ChainMiddleware(s.AuthVerifyHandler(), api(s.RequireAuth())...))
	s.RegisterRouteHandler("POST "+RouteAuthLogout, ChainMiddleware(s.AuthLogoutHandler(), api(s.RequireAuth())...))

	// Chat API
	s.RegisterRouteHandler("GET "+RouteConversations, ChainMiddleware(s.ListConversationsHandler(), api(s.RequireAuth())...))
	s.RegisterRouteHandler("POST "+RouteConversations, ChainMiddleware(s.CreateConversationHandler(), api(s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RouteConversationMessages, ChainMiddleware(s.ListMessagesHandler(), api(s.RequireAuth())...))
	s.RegisterRouteHandler("POST "+RouteConversationMessages, ChainMiddleware(s.SendMessageHandler(), api(s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RouteUsage, ChainMiddleware(s.UsageHandler(), api(s.RequireAuth())...))

	// Messaging callback
	if s.deps.Bot != nil {
		s.RegisterRouteHandler("POST "+RouteTelegramWebhook, ChainMiddleware(s.TelegramWebhookHandler(), api()...))
	}

	// Operations
	s.RegisterRouteHandler("GET "+RouteHealth, ChainMiddleware(s.HealthHandler(), s.RecoverMiddleware))
	s.RegisterRouteHandler("GET "+RouteMetrics, s.metrics.handler())
}
