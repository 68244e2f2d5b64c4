package main

import (
	"github.com/gaiaecotrack/tokenizer/internal/config"
	"github.com/gaiaecotrack/tokenizer/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
