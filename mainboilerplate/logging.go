// Package mainboilerplate contains shared boilerplate of tabserve main
// packages: logging initialization and fatal error handling.
package mainboilerplate

import (
	log "github.com/sirupsen/logrus"
)

// LogConfig is the logging section of a binary's configuration.
type LogConfig struct {
	// Level below which log events are suppressed.
	Level string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	// Format of emitted log events.
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog applies the LogConfig to the process-global logger.
func InitLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}

	var lvl, err = log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	}
	log.SetLevel(lvl)
}

// Must logs |msg| at Fatal level, which exits the process, if |err| is
// non-nil, with key/value |extras| as structured fields.
func Must(err error, msg string, extras ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extras); i += 2 {
		f[extras[i].(string)] = extras[i+1]
	}
	log.WithFields(f).Fatal(msg)
}
