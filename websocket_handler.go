package main

import (
	"net/http"

	"paddlecourt/engine/internal/logging"
	"paddlecourt/engine/internal/protocol"
)

// serveWS authenticates the handshake, registers the player and pumps the connection until it
// closes. A superseded connection ends without triggering disconnect handling.
func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := logging.LoggerFromContext(r.Context())
	identity, err := b.wsAuthenticator.Authenticate(r)
	if err != nil {
		reqLogger.Warn("websocket authentication failed", logging.Error(err), logging.String("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if limit := b.cfg.MaxClients; limit > 0 && b.registry.Count() >= limit && !b.registry.Connected(identity.PlayerID) {
		reqLogger.Warn("websocket rejected: client limit reached", logging.Int("max_clients", limit))
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.acceptor.Upgrade(w, r)
	if err != nil {
		reqLogger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	player := protocol.Player{ID: identity.PlayerID, Name: identity.Name}
	connLogger := reqLogger.With(
		logging.Int64("player_id", player.ID),
		logging.String("conn_id", conn.ID()),
	)

	//1.- Register before greeting so replies to the first message can be routed.
	b.registry.Register(player.ID, player.Name, conn)
	if err := conn.Send(protocol.Welcome{PlayerID: player.ID, Name: player.Name}); err != nil {
		connLogger.Warn("welcome undeliverable", logging.Error(err))
	}
	connLogger.Info("player connected", logging.String("codec", conn.Codec().Name()))

	runErr := conn.Run(b.ctx,
		func(msg protocol.ClientMessage) { b.handleMessage(player, conn, msg) },
		func(err error) { _ = conn.Send(protocol.Error{Message: err.Error()}) },
	)

	//2.- A newer connection for the same player keeps their sessions and queue entry alive.
	b.registry.Unregister(player.ID, conn)
	if !b.registry.Connected(player.ID) {
		b.playerGone(player.ID)
	}
	if runErr != nil {
		connLogger.Info("player disconnected", logging.Error(runErr))
		return
	}
	connLogger.Info("player disconnected")
}
