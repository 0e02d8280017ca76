package domain

import "errors"

var ErrUnknownProvider = errors.New("unknown provider")

type ConnManager interface {
	StreamAPI(provider string) (ProviderStreamAPI, error)
	SyncAPI(provider string) (ProviderSyncAPI, error)
	Validator(provider string) (IDepthUpdateValidator, error)
}
