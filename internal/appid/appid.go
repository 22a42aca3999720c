package appid

import (
	"context"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/insurechat/insurechat/internal/assets/appidentity"
)

// Fallback values used when no identity can be loaded.
const (
	DefaultBinaryName = "insurechat"
	DefaultEnvPrefix  = "INSURECHAT_"
)

func init() {
	// Best-effort: FULMEN_APP_IDENTITY_PATH and an on-disk .fulmen/app.yaml
	// still take precedence over the embedded copy.
	_ = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
}

// Get returns the application identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}

// GetOrDefault returns the application identity, or a minimal built-in one
// when loading fails.
func GetOrDefault(ctx context.Context) *appidentity.Identity {
	identity, err := appidentity.Get(ctx)
	if err != nil || identity == nil {
		return &appidentity.Identity{
			BinaryName: DefaultBinaryName,
			Vendor:     DefaultBinaryName,
			EnvPrefix:  DefaultEnvPrefix,
			ConfigName: DefaultBinaryName,
		}
	}
	return identity
}
