package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// GrantTypeCIBA is the token request grant type for backchannel authentication.
const GrantTypeCIBA = "urn:openid:params:grant-type:ciba"

// BackchannelRequest is an OpenID CIBA authentication request.
type BackchannelRequest struct {
	Scope          string
	LoginHint      string
	BindingMessage string
	RequestContext string
}

// BackchannelResponse is the acknowledgement of a backchannel authentication request.
type BackchannelResponse struct {
	AuthReqID      string `json:"auth_req_id"`
	ExpiresIn      int64  `json:"expires_in"`
	Interval       int64  `json:"interval,omitempty"`
	BindingMessage string `json:"binding_message,omitempty"`
}

// BackchannelAuthorize sends a CIBA request to the backchannel authentication endpoint.
func (c *TokenClient) BackchannelAuthorize(ctx context.Context, r BackchannelRequest) (BackchannelResponse, error) {
	if c.cfg.Endpoints.BackchannelAuth == "" {
		return BackchannelResponse{}, errors.New("backchannel authentication endpoint is not configured")
	}
	form := url.Values{"scope": {r.Scope}, "login_hint": {r.LoginHint}}
	if r.BindingMessage != "" {
		form.Set("binding_message", r.BindingMessage)
	}
	if r.RequestContext != "" {
		form.Set("request_context", r.RequestContext)
	}
	status, body, err := c.PostForm(ctx, c.cfg.Endpoints.BackchannelAuth, form)
	if err != nil {
		return BackchannelResponse{}, fmt.Errorf("backchannel authentication: %w", err)
	}
	if status < 200 || status > 299 {
		return BackchannelResponse{}, ParseErrorBody(status, body)
	}
	var resp BackchannelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return BackchannelResponse{}, fmt.Errorf("decode backchannel response: %w", err)
	}
	if resp.AuthReqID == "" {
		return BackchannelResponse{}, errors.New("backchannel response has no auth_req_id")
	}
	resp.BindingMessage = r.BindingMessage
	return resp, nil
}

// PollCIBA makes one token request for a pending backchannel authentication.
func (c *TokenClient) PollCIBA(ctx context.Context, authReqID string) (TokenSet, error) {
	return c.Token(ctx, url.Values{
		"grant_type":  {GrantTypeCIBA},
		"auth_req_id": {authReqID},
	})
}
