package acm

import (
	"encoding/base64"
	"strings"

	"github.com/locomote-sh/server/api"
	"github.com/locomote-sh/server/internal/locoerr"
)

// anonymous is the user attached to unauthenticated requests.
var anonymous = api.UserInfo{User: "anonymous"}

// authenticate dispatches on the settings method and returns the request
// user. Secure contexts without credentials yield an AuthError carrying
// the Basic challenge.
func authenticate(s *Settings, authorization string, secure bool) (api.UserInfo, error) {
	switch s.Method {
	case "basic":
		return basicAuth(s, authorization, secure)
	case "test":
		return testAuth(authorization), nil
	default:
		if secure {
			return anonymous, locoerr.AuthRequired(s.Realm)
		}
		return anonymous, nil
	}
}

func basicAuth(s *Settings, authorization string, secure bool) (api.UserInfo, error) {
	if authorization == "" {
		if secure {
			return anonymous, locoerr.AuthRequired(s.Realm)
		}
		return anonymous, nil
	}
	scheme, payload, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return anonymous, locoerr.AuthFailed(s.Realm)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return anonymous, locoerr.AuthFailed(s.Realm)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return anonymous, locoerr.AuthFailed(s.Realm)
	}
	want, exists := s.Users[user]
	if !exists || want != pass {
		return anonymous, locoerr.AuthFailed(s.Realm)
	}
	return api.UserInfo{
		User:          user,
		Authenticated: true,
		Groups:        []string{user},
	}, nil
}

// testAuth accepts any credential of the form "user:group1,group2" and
// returns the constructed user. Only enabled when the manifest selects
// the test method.
func testAuth(authorization string) api.UserInfo {
	payload := strings.TrimPrefix(authorization, "Test ")
	if payload == "" {
		return anonymous
	}
	user, groupList, _ := strings.Cut(payload, ":")
	info := api.UserInfo{User: user, Authenticated: true}
	for _, g := range strings.Split(groupList, ",") {
		if g = strings.TrimSpace(g); g != "" {
			info.Groups = append(info.Groups, g)
		}
	}
	return info
}
