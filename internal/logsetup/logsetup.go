// Package logsetup configures go-logging's backend and per-module
// levels. It is the direct Go analogue of original_source/python/mitm.py's
// logging.basicConfig call: a stderr handler plus a file handler under
// LOG_PATH, and one LOG_LEVEL_<MODULE> environment variable per logger.
package logsetup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logging "github.com/op/go-logging"
)

const logFileName = "cn360proxy.log"

var format = logging.MustStringFormatter(
	`%{time:2006-01-02 15:04:05.000} %{module} %{level:.4s} %{message}`,
)

// loggerNames lists every per-module logger the core creates, so their
// levels can be set from the matching LOG_LEVEL_* environment variable.
var loggerNames = []string{
	"envelope",
	"pushchannel",
	"bridge",
	"intercept",
	"store",
	"certs",
	"healthz",
	"egress",
	"config",
	"mitm",
	"RobotSocketServer",
	"LocalControlSocketServer",
	"CloudSocket",
}

// levelEnvNames maps the loggers whose LOG_LEVEL_* variable does not
// follow the upper-cased logger name to the suffix they read instead.
var levelEnvNames = map[string]string{
	"envelope":    "CRYPTO",
	"pushchannel": "PACKET",
	"bridge":      "ECHO",
	"intercept":   "HTTP",
}

// Configure wires go-logging's backends and applies LOG_LEVEL_<NAME> to
// every known logger, defaulting to INFO. NAME is the upper-cased logger
// name, except for the loggers listed in levelEnvNames.
func Configure(logPath string) error {
	if logPath != "" {
		if err := os.MkdirAll(logPath, 0o755); err != nil {
			return fmt.Errorf("logsetup: creating log directory: %w", err)
		}
	}

	stderrBackend := logging.NewLogBackend(os.Stderr, "", 0)
	stderrFormatter := logging.NewBackendFormatter(stderrBackend, format)

	backends := []logging.Backend{stderrFormatter}

	if logPath != "" {
		f, err := os.OpenFile(filepath.Join(logPath, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("logsetup: opening log file: %w", err)
		}
		fileBackend := logging.NewLogBackend(f, "", 0)
		fileFormatter := logging.NewBackendFormatter(fileBackend, format)
		backends = append(backends, fileFormatter)
	}

	logging.SetBackend(backends...)

	for _, name := range loggerNames {
		level := levelFor(name)
		logging.SetLevel(level, name)
	}
	return nil
}

func levelFor(module string) logging.Level {
	suffix, ok := levelEnvNames[module]
	if !ok {
		suffix = strings.ToUpper(module)
	}
	envName := "LOG_LEVEL_" + suffix
	raw, ok := os.LookupEnv(envName)
	if !ok || raw == "" {
		return logging.INFO
	}
	level, err := logging.LogLevel(raw)
	if err != nil {
		return logging.INFO
	}
	return level
}
