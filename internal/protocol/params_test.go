package protocol

import (
	"reflect"
	"testing"
)

func TestQueryParams(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Param
	}{
		{
			name:  "empty string",
			input: "",
			want:  nil,
		},
		{
			name:  "URL without query",
			input: "https://auth.pingone.com/env-1/as/authorize",
			want:  nil,
		},
		{
			name:  "authorize URL keeps wire order",
			input: "https://auth.pingone.com/env-1/as/authorize?response_type=code&client_id=app&scope=openid+profile&code_challenge_method=S256",
			want: []Param{
				{Key: "response_type", Value: "code", Note: paramNotes["response_type"]},
				{Key: "client_id", Value: "app", Note: paramNotes["client_id"]},
				{Key: "scope", Value: "openid profile", Note: paramNotes["scope"]},
				{Key: "code_challenge_method", Value: "S256", Note: paramNotes["code_challenge_method"]},
			},
		},
		{
			name:  "hybrid fragment marks tokens secret",
			input: "https://app.example.com/callback#code=c1&id_token=eyJ.x.y&state=s1",
			want: []Param{
				{Key: "code", Value: "c1", Note: paramNotes["code"], Secret: true},
				{Key: "id_token", Value: "eyJ.x.y", Note: paramNotes["id_token"], Secret: true},
				{Key: "state", Value: "s1", Note: paramNotes["state"]},
			},
		},
		{
			name:  "logout placeholders",
			input: "https://auth.pingone.com/env-1/as/signoff?id_token_hint=%7BID_TOKEN%7D&post_logout_redirect_uri=%7BREDIRECT_URI%7D",
			want: []Param{
				{Key: "id_token_hint", Value: "{ID_TOKEN}", Note: paramNotes["id_token_hint"], Secret: true},
				{Key: "post_logout_redirect_uri", Value: "{REDIRECT_URI}", Note: paramNotes["post_logout_redirect_uri"]},
			},
		},
		{
			name:  "bare error callback",
			input: "error=access_denied&error_description=User+cancelled&state=s1",
			want: []Param{
				{Key: "error", Value: "access_denied", Note: paramNotes["error"]},
				{Key: "error_description", Value: "User cancelled", Note: paramNotes["error_description"]},
				{Key: "state", Value: "s1", Note: paramNotes["state"]},
			},
		},
		{
			name:  "bad escape kept raw",
			input: "login_hint=100%&acr_values",
			want: []Param{
				{Key: "login_hint", Value: "100%", Note: paramNotes["login_hint"]},
				{Key: "acr_values", Value: ""},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := QueryParams(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("QueryParams(%q)\n got  %+v\n want %+v", tt.input, got, tt.want)
			}
		})
	}
}
