package extension

import "meshbridge/internal/config"

// InitialKinds returns the extension set constructed at controller creation:
// the fixed core plus the optional kinds the configuration enables, in
// dispatch order.
func InitialKinds(cfg *config.Config) []string {
	kinds := []string{KindReceive, KindBridge}
	if cfg.Frontend.Enabled {
		kinds = append(kinds, KindFrontend)
	}
	if cfg.HomeAssistant {
		kinds = append(kinds, KindHomeAssistant)
	}
	if cfg.Advanced.LegacyAPI {
		kinds = append(kinds, KindLegacyBridge)
	}
	if cfg.ExternalConverters != "" {
		kinds = append(kinds, KindConverters)
	}
	if cfg.Advanced.SoftResetTimeout > 0 {
		kinds = append(kinds, KindSoftReset)
	}
	return kinds
}
