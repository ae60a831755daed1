package intel

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/network"
)

// NewAPIClient builds the REST client a provider sync uses: the shared
// transport, the configured rate limit and user agent, and token as a bearer
// credential when set. extra options are applied last.
func NewAPIClient(baseURL, token string, netCfg config.NetworkConfig, logger *zap.Logger, extra ...network.APIOption) (*network.APIClient, error) {
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.Logger = logger
	if netCfg.Timeout > 0 {
		clientCfg.RequestTimeout = netCfg.Timeout
	}

	opts := []network.APIOption{
		network.WithHTTPClient(network.NewClient(clientCfg)),
		network.WithRateLimit(netCfg.RequestsPerSecond, netCfg.Burst),
	}
	if netCfg.UserAgent != "" {
		opts = append(opts, network.WithHeader("User-Agent", netCfg.UserAgent))
	}
	if token != "" {
		opts = append(opts, network.WithBearerToken(token))
	}
	return network.NewAPIClient(baseURL, logger, append(opts, extra...)...)
}
