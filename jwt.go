package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/dgrijalva/jwt-go"
)

const AuthTypeBearer = "Bearer"

type JwtCredential struct {
	SecretKey string `yaml:"secret_key"`
	Disabled  bool   `yaml:"disabled"`
}

// ExtractToken returns the token of an "Authorization: Bearer <token>"
// header, or "" when there is none.
func ExtractToken(r *http.Request) string {
	bearToken := r.Header.Get("Authorization")
	strArr := strings.Fields(bearToken)
	if len(strArr) == 2 && strings.EqualFold(strArr[0], AuthTypeBearer) {
		return strArr[1]
	}
	return ""
}

type JwtToken struct {
	AccessKey string
}

// ParseToken verifies the request's bearer token. The token must be HMAC
// signed with the secret of the access key named by its kid header.
func (me *Auth) ParseToken(r *http.Request) (*JwtToken, error) {
	tokenString := ExtractToken(r)
	if tokenString == "" {
		return nil, ErrNoToken
	}
	ret := &JwtToken{}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		accessKey, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found")
		}
		log.Tracef("access key %q", accessKey)

		cred, err := me.GetAccessKey(accessKey)
		if err != nil {
			return nil, err
		}
		ret.AccessKey = accessKey
		return []byte(cred.SecretKey), nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Inner != nil {
			return nil, verr.Inner
		}
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token for %q", ret.AccessKey)
	}

	log.Tracef("claims %+v", token.Claims)
	return ret, nil
}
