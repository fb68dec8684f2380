package main

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAccessKeyNotFound = errors.New("No such access key")
	ErrAccessKeyDisabled = errors.New("access key disabled")
	ErrNoToken           = errors.New("no bearer token")
)

// Auth checks bearer tokens against the configured access keys.
type Auth struct {
	Keys map[string]*JwtCredential
}

func NewAuth(keys map[string]*JwtCredential) *Auth {
	ret := &Auth{}
	ret.Keys = make(map[string]*JwtCredential, len(keys))
	for k, v := range keys {
		ret.Keys[k] = v
	}
	return ret
}

func (me *Auth) GetAccessKey(k string) (*JwtCredential, error) {
	cred, found := me.Keys[k]
	if found == false {
		return nil, fmt.Errorf("%w: %q", ErrAccessKeyNotFound, k)
	}
	if cred.Disabled {
		return nil, fmt.Errorf("%w: %q", ErrAccessKeyDisabled, k)
	}
	return cred, nil
}

// Authenticate returns the AUTH_TYPE and REMOTE_USER for an accepted request.
func (me *Auth) Authenticate(r *http.Request) (authType string, user string, err error) {
	tok, err := me.ParseToken(r)
	if err != nil {
		return "", "", err
	}
	return AuthTypeBearer, tok.AccessKey, nil
}
