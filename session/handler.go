// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package session

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/modryn/go-dispatch/dispatch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The websocket endpoint is same-origin agnostic: clients are
	// authenticated by the protocol itself, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to websocket sessions and runs each
// until it closes.
func Handler(m *dispatch.Middleware, logger *logrus.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Warn("Failed to upgrade websocket connection")
			return
		}
		s := New(m, logger, conn)
		s.logger.WithField("remote", r.RemoteAddr).Debug("Session started")
		s.Run()
		s.logger.Debug("Session finished")
	})
}
