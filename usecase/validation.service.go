package usecase

import (
	"errors"
	"fmt"
)

var ErrInvalidDepth = errors.New("invalid depth")

type ValidationServiceConfig struct {
	DefaultDepth int
	MaxDepth     int
}

// ValidationService normalizes parameters coming from the read APIs.
type ValidationService struct {
	config *ValidationServiceConfig
}

func NewValidationService(config *ValidationServiceConfig) *ValidationService {
	return &ValidationService{
		config: config,
	}
}

// Depth returns the default for 0 and caps anything above MaxDepth.
func (s *ValidationService) Depth(requested int) (int, error) {
	switch {
	case requested < 0:
		return 0, fmt.Errorf("%w: %d", ErrInvalidDepth, requested)
	case requested == 0:
		return s.config.DefaultDepth, nil
	case requested > s.config.MaxDepth:
		return s.config.MaxDepth, nil
	}
	return requested, nil
}
