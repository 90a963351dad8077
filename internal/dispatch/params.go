package dispatch

import (
	"github.com/jellydator/validation"

	"github.com/allisson/secretsd/internal/identity"
	"github.com/allisson/secretsd/internal/session"
)

// stringParam extracts a string parameter, returning "" when absent or not a
// string. Validation of required fields happens on the typed param structs.
func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, _ := params[key].(string)
	return value
}

// stringSliceParam extracts a string-slice parameter. JSON decoding yields
// []any, so both representations are accepted.
func stringSliceParam(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	switch value := params[key].(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

// authParams are the auth action parameters after defaulting: method follows
// the transport when omitted, class defaults to a session token.
type authParams struct {
	Method         string
	Class          string
	Executable     string
	BootstrapToken string
}

func authParamsFrom(req Request, peer Peer) authParams {
	params := authParams{
		Method:         stringParam(req.Params, "method"),
		Class:          stringParam(req.Params, "class"),
		Executable:     stringParam(req.Params, "executable"),
		BootstrapToken: stringParam(req.Params, "bootstrap_token"),
	}
	if params.Method == "" {
		if peer.Transport == TransportLocal {
			params.Method = string(identity.MethodProcess)
		} else {
			params.Method = string(identity.MethodCertificate)
		}
	}
	if params.Class == "" {
		params.Class = string(session.ClassSession)
	}
	return params
}

func (p authParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Method, validation.Required, validation.In("process", "certificate", "bootstrap")),
		validation.Field(&p.Class, validation.Required, validation.In("session", "admin", "bootstrap")),
		validation.Field(&p.BootstrapToken, validation.Required.When(p.Method == "bootstrap")),
	)
}

type getSecretParams struct {
	Key string
}

func (p getSecretParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Key, validation.Required, validation.Length(1, 256)),
	)
}

type getSecretsParams struct {
	Keys []string
}

func (p getSecretsParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Keys, validation.Required, validation.Length(1, 128),
			validation.Each(validation.Required, validation.Length(1, 256))),
	)
}

type rotateMasterParams struct {
	NewPassword string
}

func (p rotateMasterParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.NewPassword, validation.Required, validation.Length(16, 1024)),
	)
}
