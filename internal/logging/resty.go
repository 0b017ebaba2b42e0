// Package logging adapts third-party client loggers to the global zerolog logger.
package logging

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resty sends resty's client messages to zerolog, tagged with the client name.
type Resty struct {
	Client string
}

func (l Resty) Errorf(format string, v ...interface{}) { l.write(log.Error(), format, v...) }
func (l Resty) Warnf(format string, v ...interface{})  { l.write(log.Warn(), format, v...) }
func (l Resty) Debugf(format string, v ...interface{}) { l.write(log.Debug(), format, v...) }

func (l Resty) write(e *zerolog.Event, format string, v ...interface{}) {
	e.Str("client", l.Client).Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
