package auth

import "time"

type Config struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTIssuer string        `mapstructure:"jwt_issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`

	// AdminAPIKey guards the /admin endpoints. Empty disables them.
	AdminAPIKey string `mapstructure:"admin_api_key"`
}
