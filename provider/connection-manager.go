package provider

import (
	"fmt"

	"github.com/spooky-finn/go-marketfeed/domain"
	"github.com/spooky-finn/go-marketfeed/provider/binance"
	"github.com/spooky-finn/go-marketfeed/provider/kucoin"
)

const (
	Binance = "binance"
	Kucoin  = "kucoin"
)

type Config struct {
	BinanceSync   binance.SyncConfig
	BinanceStream binance.StreamConfig
	KucoinSync    kucoin.SyncConfig
	KucoinStream  kucoin.StreamConfig
}

// ConnectionManager resolves the provider APIs by name. Nothing is dialed
// until a stream is subscribed.
type ConnectionManager struct {
	KucoinSyncAPI   *kucoin.KucoinSyncAPI
	KucoinStreamAPI *kucoin.KucoinStreamAPI

	BinanceSyncAPI   *binance.BinanceSyncAPI
	BinanceStreamAPI *binance.BinanceStreamAPI
}

func NewConnectionManager(config Config) *ConnectionManager {
	kucoinSyncAPI := kucoin.NewKucoinSyncAPI(config.KucoinSync)

	return &ConnectionManager{
		KucoinSyncAPI:    kucoinSyncAPI,
		KucoinStreamAPI:  kucoin.NewKucoinStreamAPI(kucoinSyncAPI, config.KucoinStream),
		BinanceSyncAPI:   binance.NewBinanceSyncAPI(config.BinanceSync),
		BinanceStreamAPI: binance.NewBinanceStreamAPI(config.BinanceStream),
	}
}

func (cm *ConnectionManager) StreamAPI(provider string) (domain.ProviderStreamAPI, error) {
	switch provider {
	case Kucoin:
		return cm.KucoinStreamAPI, nil
	case Binance:
		return cm.BinanceStreamAPI, nil
	}

	return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
}

func (cm *ConnectionManager) SyncAPI(provider string) (domain.ProviderSyncAPI, error) {
	switch provider {
	case Kucoin:
		return cm.KucoinSyncAPI, nil
	case Binance:
		return cm.BinanceSyncAPI, nil
	}

	return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
}

// Validator returns the continuity rule for the provider. Both exchanges use
// the same first/last id rule; KuCoin's per-change sequences are filtered by
// the book itself.
func (cm *ConnectionManager) Validator(provider string) (domain.IDepthUpdateValidator, error) {
	switch provider {
	case Kucoin, Binance:
		return &domain.DepthUpdateValidator{}, nil
	}

	return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
}
