package lmsclient

import (
	"golang.org/x/oauth2"

	"github.com/d-kuro/lmsclient/pkg/token"
	"github.com/d-kuro/lmsclient/pkg/types"
)

func pairToken(pair *types.TokenPair) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		TokenType:    "Bearer",
	}
	if exp, ok, err := token.Expiry(pair.Access); err == nil && ok {
		tok.Expiry = exp
	}
	return tok
}
