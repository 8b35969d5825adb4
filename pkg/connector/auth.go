package connector

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/neonharbour/sentinel/pkg/config"
	"github.com/neonharbour/sentinel/pkg/faults"
)

// authHandler applies connector credentials to outgoing requests.
type authHandler struct {
	cfg config.AuthConfig
}

func newAuthHandler(cfg config.AuthConfig) (*authHandler, error) {
	switch cfg.Type {
	case config.AuthAPIKey:
		if cfg.Credentials["api_key"] == "" {
			return nil, faults.New(faults.KindValidation, "connector.auth", "apiKey auth requires an api_key credential")
		}
	case config.AuthBasic:
		if cfg.Credentials["username"] == "" || cfg.Credentials["password"] == "" {
			return nil, faults.New(faults.KindValidation, "connector.auth", "basic auth requires username and password credentials")
		}
	case config.AuthOAuth:
		if cfg.Credentials["access_token"] == "" {
			return nil, faults.New(faults.KindValidation, "connector.auth", "oauth auth requires an access_token credential")
		}
	case config.AuthNone, "":
	default:
		return nil, faults.New(faults.KindValidation, "connector.auth",
			fmt.Sprintf("unknown auth type %q", cfg.Type))
	}
	return &authHandler{cfg: cfg}, nil
}

// apply sets the authentication headers on the request.
func (a *authHandler) apply(req *http.Request) {
	switch a.cfg.Type {
	case config.AuthAPIKey:
		req.Header.Set("X-API-Key", a.cfg.Credentials["api_key"])
	case config.AuthBasic:
		raw := a.cfg.Credentials["username"] + ":" + a.cfg.Credentials["password"]
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	case config.AuthOAuth:
		req.Header.Set("Authorization", "Bearer "+a.cfg.Credentials["access_token"])
	}
}
