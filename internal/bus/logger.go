// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package bus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/tomtom215/meridian/internal/logging"
)

// watermillLogger routes Watermill's internal logging through zerolog.
type watermillLogger struct {
	logger zerolog.Logger
}

func newWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{logger: logging.With().Str("component", "bus").Logger()}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error().Err(err), fields).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Info(), fields).Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Trace(), fields).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &watermillLogger{logger: ctx.Logger()}
}

func (l *watermillLogger) event(ev *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}
