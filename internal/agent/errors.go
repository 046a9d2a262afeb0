package agent

import (
	"github.com/mikabot/mika/internal/config"
	"github.com/mikabot/mika/internal/providers"
)

// UserFacingError renders the taxonomy message for a transport failure.
// Every provider error maps onto one of the configured template keys.
func UserFacingError(cfg *config.Config, err error) string {
	switch providers.KindOf(err) {
	case providers.KindRateLimit:
		return cfg.ErrorMessage("rate_limit")
	case providers.KindAuth:
		return cfg.ErrorMessage("auth_error")
	case providers.KindServer:
		return cfg.ErrorMessage("server_error")
	case providers.KindContentFilter:
		return cfg.ErrorMessage("content_filter")
	case providers.KindTimeout:
		return cfg.ErrorMessage("timeout")
	case providers.KindEmptyReply:
		return cfg.ErrorMessage("empty_reply")
	case providers.KindAPI:
		return cfg.ErrorMessage("api_error")
	default:
		return cfg.ErrorMessage("unknown")
	}
}
