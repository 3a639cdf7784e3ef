package controlapi

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket upgrades the connection and streams every hub publication
// until the client disconnects (spec §4.11 "GET /ws").
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("controlapi: ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	stream, unsub := s.hub.subscribe(64)
	defer unsub()

	for msg := range stream {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
