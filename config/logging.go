package config

import (
	"github.com/sirupsen/logrus"
)

// DebugMode is set by SetupLogging and read by packages that log payloads.
var DebugMode bool

// SetupLogging configures the standard logrus logger every package logger derives from.
func SetupLogging(cfg *Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	DebugMode = cfg.Debug

	logrus.SetLevel(level)
	if cfg.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
